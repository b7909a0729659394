// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package fileindex scans the peer's shared directory and serves the
// local file table published to the coordinator.
package fileindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
)

var (
	mon = monkit.Package()

	// Error is the default fileindex errs class.
	Error = errs.Class("fileindex")
)

// Config holds file indexer settings.
type Config struct {
	SharedDir      string        `help:"directory of files shared with the overlay" default:"$CONFDIR/shared"`
	CachePath      string        `help:"location of the content hash cache" default:"$CONFDIR/hashcache.db"`
	RescanInterval time.Duration `help:"how often the shared directory is rescanned" default:"60s"`
}

// Entry is one locally shared file as published to the coordinator.
type Entry struct {
	Filename     string    `json:"filename"`
	Hash         string    `json:"hash"`
	Size         int64     `json:"size"`
	IsAvailable  bool      `json:"is_available"`
	LastModified time.Time `json:"last_modified"`
}

// Service maintains the local file table.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	cache  *HashCache
	config Config

	Loop *sync2.Cycle

	mu     sync.RWMutex
	byHash map[string]Entry
	paths  map[string]string // hash -> absolute path
}

// NewService creates the file index service.
func NewService(log *zap.Logger, cache *HashCache, config Config) *Service {
	return &Service{
		log:    log,
		cache:  cache,
		config: config,
		Loop:   sync2.NewCycle(config.RescanInterval),
		byHash: make(map[string]Entry),
		paths:  make(map[string]string),
	}
}

// Run scans immediately and then rescans on the configured interval.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.Scan(ctx); err != nil {
		service.log.Warn("initial scan failed", zap.Error(err))
	}
	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.Scan(ctx); err != nil {
			service.log.Warn("rescan failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the rescan loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// Scan walks the shared directory and rebuilds the local table. Hashes
// of unchanged files come from the cache.
func (service *Service) Scan(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := os.MkdirAll(service.config.SharedDir, 0o755); err != nil {
		return Error.Wrap(err)
	}

	byHash := make(map[string]Entry)
	paths := make(map[string]string)

	err = filepath.WalkDir(service.config.SharedDir, func(path string, dirEntry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dirEntry.IsDir() || !dirEntry.Type().IsRegular() {
			return nil
		}

		info, err := dirEntry.Info()
		if err != nil {
			return err
		}

		hash, err := service.hashFile(path, info)
		if err != nil {
			service.log.Warn("file not hashable, skipping",
				zap.String("path", path), zap.Error(err))
			return nil
		}

		// First observation of a hash wins when duplicates exist.
		if _, ok := byHash[hash]; !ok {
			byHash[hash] = Entry{
				Filename:     filepath.Base(path),
				Hash:         hash,
				Size:         info.Size(),
				IsAvailable:  true,
				LastModified: info.ModTime().UTC(),
			}
			paths[hash] = path
		}
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}

	service.mu.Lock()
	service.byHash = byHash
	service.paths = paths
	service.mu.Unlock()

	mon.IntVal("indexed_files").Observe(int64(len(byHash)))
	service.log.Debug("scan complete", zap.Int("files", len(byHash)))
	return nil
}

// Add indexes a single file inside the shared directory, used after an
// accepted upload so the file is published without waiting for a
// rescan.
func (service *Service) Add(ctx context.Context, path string) (_ Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, Error.Wrap(err)
	}
	hash, err := service.hashFile(path, info)
	if err != nil {
		return Entry{}, Error.Wrap(err)
	}

	entry := Entry{
		Filename:     filepath.Base(path),
		Hash:         hash,
		Size:         info.Size(),
		IsAvailable:  true,
		LastModified: info.ModTime().UTC(),
	}

	service.mu.Lock()
	service.byHash[hash] = entry
	service.paths[hash] = path
	service.mu.Unlock()

	return entry, nil
}

// List returns the current table.
func (service *Service) List() []Entry {
	service.mu.RLock()
	defer service.mu.RUnlock()

	entries := make([]Entry, 0, len(service.byHash))
	for _, entry := range service.byHash {
		entries = append(entries, entry)
	}
	return entries
}

// SharedDir returns the directory holding shared files.
func (service *Service) SharedDir() string {
	return service.config.SharedDir
}

// Path resolves a hash to the file's location on disk.
func (service *Service) Path(hash string) (string, bool) {
	service.mu.RLock()
	defer service.mu.RUnlock()
	path, ok := service.paths[hash]
	return path, ok
}

// Count returns the number of shared files.
func (service *Service) Count() int {
	service.mu.RLock()
	defer service.mu.RUnlock()
	return len(service.byHash)
}

// TotalBytes returns the combined size of shared files.
func (service *Service) TotalBytes() int64 {
	service.mu.RLock()
	defer service.mu.RUnlock()

	var total int64
	for _, entry := range service.byHash {
		total += entry.Size
	}
	return total
}

func (service *Service) hashFile(path string, info fs.FileInfo) (string, error) {
	if service.cache != nil {
		if hash, ok := service.cache.Lookup(path, info.Size(), info.ModTime()); ok {
			return hash, nil
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", err
	}
	hash := hex.EncodeToString(digest.Sum(nil))

	if service.cache != nil {
		if err := service.cache.Store(path, info.Size(), info.ModTime(), hash); err != nil {
			service.log.Warn("hash cache write failed",
				zap.String("path", path), zap.Error(err))
		}
	}
	return hash, nil
}
