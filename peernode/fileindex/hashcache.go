// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package fileindex

import (
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
)

var hashBucket = []byte("hashes")

// HashCache persists content hashes keyed by path so unchanged files
// are not re-hashed across rescans and restarts.
type HashCache struct {
	db *bolt.DB
}

type hashCacheEntry struct {
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime_unixnano"`
	Hash  string `json:"hash"`
}

// OpenHashCache opens or creates the cache database.
func OpenHashCache(path string) (*HashCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hashBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &HashCache{db: db}, nil
}

// Lookup returns the cached hash when size and mtime still match.
func (cache *HashCache) Lookup(path string, size int64, mtime time.Time) (string, bool) {
	var entry hashCacheEntry
	found := false
	_ = cache.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(hashBucket).Get([]byte(path))
		if value == nil {
			return nil
		}
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil
		}
		found = entry.Size == size && entry.MTime == mtime.UnixNano()
		return nil
	})
	if !found {
		return "", false
	}
	return entry.Hash, true
}

// Store records the hash for the file's current size and mtime.
func (cache *HashCache) Store(path string, size int64, mtime time.Time, hash string) error {
	value, err := json.Marshal(hashCacheEntry{
		Size:  size,
		MTime: mtime.UnixNano(),
		Hash:  hash,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(cache.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hashBucket).Put([]byte(path), value)
	}))
}

// Forget removes one path from the cache.
func (cache *HashCache) Forget(path string) error {
	return Error.Wrap(cache.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hashBucket).Delete([]byte(path))
	}))
}

// Close closes the cache database.
func (cache *HashCache) Close() error {
	return Error.Wrap(cache.db.Close())
}
