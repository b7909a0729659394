// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package agent_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"redp2p.io/redp2p/peernode/agent"
	"redp2p.io/redp2p/peernode/fileindex"
)

func TestHealthAndStats(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startAgent(t, ctx, nil)
	env.share(t, ctx, "a.txt", []byte("0123456789"))

	var health struct {
		Status     string `json:"status"`
		PeerID     string `json:"peer_id"`
		FilesCount int    `json:"files_count"`
	}
	env.getJSON(t, "/api/health", &health)
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "test-peer", health.PeerID)
	require.Equal(t, 1, health.FilesCount)

	var stats struct {
		PeerID      string `json:"peer_id"`
		FilesCount  int    `json:"files_count"`
		BytesShared int64  `json:"bytes_shared"`
	}
	env.getJSON(t, "/api/stats", &stats)
	require.Equal(t, "test-peer", stats.PeerID)
	require.Equal(t, 1, stats.FilesCount)
	require.EqualValues(t, 10, stats.BytesShared)
}

func TestFilesAndDownload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startAgent(t, ctx, nil)
	payload := testrand.Bytes(16 * memory.KiB)
	env.share(t, ctx, "blob.bin", payload)

	var listing struct {
		Files []fileindex.Entry `json:"files"`
	}
	env.getJSON(t, "/api/files", &listing)
	require.Len(t, listing.Files, 1)
	require.Equal(t, "blob.bin", listing.Files[0].Filename)
	require.Equal(t, hashOf(payload), listing.Files[0].Hash)

	resp, err := http.Get(env.base + "/api/download/" + hashOf(payload))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, data)
	require.Contains(t, resp.Header.Get("Content-Disposition"), "blob.bin")

	resp, err = http.Get(env.base + "/api/download/" + hashOf([]byte("unknown")))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startAgent(t, ctx, nil)
	payload := testrand.Bytes(4 * memory.KiB)

	resp := env.upload(t, "incoming.pdf", hashOf(payload), payload)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var accepted struct {
		Success  bool   `json:"success"`
		Filename string `json:"filename"`
		Hash     string `json:"hash"`
		Size     int64  `json:"size"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.True(t, accepted.Success)
	require.Equal(t, hashOf(payload), accepted.Hash)
	require.EqualValues(t, len(payload), accepted.Size)

	// The file landed in the shared directory and is served back.
	stored, err := os.ReadFile(filepath.Join(env.shared, "incoming.pdf"))
	require.NoError(t, err)
	require.Equal(t, payload, stored)

	download, err := http.Get(env.base + "/api/download/" + hashOf(payload))
	require.NoError(t, err)
	data, err := io.ReadAll(download.Body)
	require.NoError(t, err)
	require.NoError(t, download.Body.Close())
	require.Equal(t, payload, data)
}

func TestUploadRejectsHashMismatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startAgent(t, ctx, nil)

	resp := env.upload(t, "claims.txt", hashOf([]byte("other content")), []byte("actual content"))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := os.Stat(filepath.Join(env.shared, "claims.txt"))
	require.True(t, os.IsNotExist(err))

	// The scratch copy is cleaned up shortly after the handler returns.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(env.shared)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUploadRejectsUnsafeFilename(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startAgent(t, ctx, nil)

	for _, name := range []string{"../escape.txt", "dir/slash.txt", "pi|pe.txt"} {
		resp := env.upload(t, name, "", []byte("content"))
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestPeersWithoutSource(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startAgent(t, ctx, nil)

	var neighbors []agent.Neighbor
	env.getJSON(t, "/api/peers", &neighbors)
	require.Empty(t, neighbors)
}

func TestPeersFromSource(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startAgent(t, ctx, staticNeighbors{
		{PeerID: "peer-2", Host: "10.0.0.2", Port: 9002, IsOnline: true},
	})

	var neighbors []agent.Neighbor
	env.getJSON(t, "/api/peers", &neighbors)
	require.Len(t, neighbors, 1)
	require.Equal(t, "peer-2", neighbors[0].PeerID)
}

type agentEnv struct {
	base   string
	shared string
	index  *fileindex.Service
}

func startAgent(t *testing.T, ctx *testcontext.Context, source agent.NeighborSource) *agentEnv {
	shared := ctx.Dir("shared")
	index := fileindex.NewService(zaptest.NewLogger(t).Named("fileindex"), nil, fileindex.Config{
		SharedDir:      shared,
		RescanInterval: time.Hour,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := agent.NewServer(zaptest.NewLogger(t).Named("agent"), listener, "test-peer", index, source, agent.Config{
		MaxUploadSize: memory.MiB,
		ChunkSize:     8 * memory.KiB,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := server.Run(runCtx); err != nil {
			t.Error("agent server failed:", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		_ = server.Close()
	})

	return &agentEnv{
		base:   "http://" + listener.Addr().String(),
		shared: shared,
		index:  index,
	}
}

func (env *agentEnv) share(t *testing.T, ctx *testcontext.Context, name string, data []byte) {
	path := filepath.Join(env.shared, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err := env.index.Add(ctx, path)
	require.NoError(t, err)
}

func (env *agentEnv) getJSON(t *testing.T, path string, response interface{}) {
	resp, err := http.Get(env.base + path)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s: %s", path, string(data))
	require.NoError(t, json.Unmarshal(data, response))
}

func (env *agentEnv) upload(t *testing.T, filename, hash string, payload []byte) *http.Response {
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if hash != "" {
		require.NoError(t, writer.WriteField("file_hash", hash))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp, err := http.Post(env.base+"/api/upload", writer.FormDataContentType(), &form)
	require.NoError(t, err)
	return resp
}

type staticNeighbors []agent.Neighbor

func (neighbors staticNeighbors) Neighbors(ctx context.Context) ([]agent.Neighbor, error) {
	return neighbors, nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
