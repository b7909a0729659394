// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package api_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"redp2p.io/redp2p/coordinator/api"
	"redp2p.io/redp2p/coordinator/cache"
	"redp2p.io/redp2p/coordinator/catalog"
	"redp2p.io/redp2p/coordinator/coordinatordb"
	"redp2p.io/redp2p/coordinator/peerclient"
	"redp2p.io/redp2p/coordinator/registry"
	"redp2p.io/redp2p/coordinator/transfer"
	"redp2p.io/redp2p/private/ratelimit"
)

func TestRegisterIndexSearchDownload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startEnv(t, ctx, ratelimit.Config{MaxRequests: 1000, Window: time.Minute})

	payload := testrand.Bytes(20 * memory.KiB)
	hash := hashOf(payload)

	agent := newFakeAgent()
	agent.addFile("dataset.zip", payload)
	agentAddr := env.startAgent(t, ctx, agent)

	// Register the peer under the agent's address.
	env.postJSON(t, "/api/peers/register", registry.Registration{
		PeerID: "peer-1",
		Host:   agentAddr.host,
		Port:   agentAddr.port,
	}, http.StatusOK)

	var online []registry.Info
	env.getJSON(t, "/api/peers/online", &online)
	require.Len(t, online, 1)
	require.Equal(t, "peer-1", online[0].PeerID)

	// Index the peer and find the file.
	env.postJSON(t, "/api/files/index/peer-1", nil, http.StatusOK)

	var search catalog.SearchResponse
	env.postJSONInto(t, "/api/files/search", catalog.SearchRequest{Filename: "dataset"}, &search)
	require.Equal(t, 1, search.TotalFound)
	require.Equal(t, hash, search.Files[0].FileHash)
	require.Equal(t, catalog.SourceIndexed, search.Files[0].Source)

	// Broker a download, then pull the bytes through the proxy.
	var download transfer.DownloadResponse
	env.postJSONInto(t, "/api/transfers/download", transfer.DownloadRequest{
		FileHash:         hash,
		RequestingPeerID: "peer-2",
	}, &download)
	require.True(t, download.Success)
	require.Equal(t, "/api/download/"+hash, download.DownloadURL)

	resp, err := http.Get(env.base + download.DownloadURL)
	require.NoError(t, err)
	defer ctx.Check(resp.Body.Close)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Disposition"), "dataset.zip")
	require.Equal(t, strconv.Itoa(len(payload)), resp.Header.Get("Content-Length"))

	relayed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, relayed)

	var status transfer.Status
	env.getJSON(t, "/api/transfers/"+download.TransferID+"/status", &status)
	require.Equal(t, download.TransferID, status.TransferID)
	require.Equal(t, transfer.KindDownload, status.TransferType)
	require.Equal(t, "peer-1", status.SourcePeerID)
	require.Equal(t, "peer-2", status.TargetPeerID)
}

func TestRegisterValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startEnv(t, ctx, ratelimit.Config{MaxRequests: 1000, Window: time.Minute})

	body := env.postJSON(t, "/api/peers/register", registry.Registration{
		PeerID: "x", Host: "localhost", Port: 9001,
	}, http.StatusBadRequest)

	var problem map[string]string
	require.NoError(t, json.Unmarshal(body, &problem))
	require.Contains(t, problem["detail"], "peer_id")

	body = env.postJSON(t, "/api/peers/register", registry.Registration{
		PeerID: "peer-1", Host: "localhost",
	}, http.StatusBadRequest)
	require.NoError(t, json.Unmarshal(body, &problem))
	require.Contains(t, problem["detail"], "port")
}

func TestUploadFilePlacesPayload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startEnv(t, ctx, ratelimit.Config{MaxRequests: 1000, Window: time.Minute})

	agent := newFakeAgent()
	agentAddr := env.startAgent(t, ctx, agent)
	env.postJSON(t, "/api/peers/register", registry.Registration{
		PeerID: "target-peer", Host: agentAddr.host, Port: agentAddr.port,
	}, http.StatusOK)

	payload := testrand.Bytes(8 * memory.KiB)

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "upload.pdf")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("target_peer", "target-peer"))
	require.NoError(t, writer.Close())

	resp, err := http.Post(env.base+"/api/transfers/upload-file", writer.FormDataContentType(), &form)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var uploaded transfer.UploadResponse
	require.NoError(t, json.Unmarshal(body, &uploaded))
	require.True(t, uploaded.Success)
	require.Equal(t, hashOf(payload), uploaded.FileID)

	// The agent holds the payload and the catalog row has upload
	// provenance with the target as its own source.
	require.Equal(t, payload, agent.received("upload.pdf"))

	var search catalog.SearchResponse
	env.postJSONInto(t, "/api/files/search", catalog.SearchRequest{Filename: "upload"}, &search)
	require.Equal(t, 1, search.TotalFound)
	require.Equal(t, catalog.SourceUpload, search.Files[0].Source)
	require.Equal(t, "target-peer", search.Files[0].PeerID)

	var status transfer.Status
	env.getJSON(t, "/api/transfers/"+uploaded.TransferID+"/status", &status)
	require.Equal(t, transfer.StateCompleted, status.Status)
	require.Equal(t, 1.0, status.Progress)
}

func TestUploadFileRejectsExtension(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startEnv(t, ctx, ratelimit.Config{MaxRequests: 1000, Window: time.Minute})

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "malware.exe")
	require.NoError(t, err)
	_, err = part.Write([]byte("MZ"))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("target_peer", "target-peer"))
	require.NoError(t, writer.Close())

	resp, err := http.Post(env.base+"/api/transfers/upload-file", writer.FormDataContentType(), &form)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem map[string]string
	require.NoError(t, json.Unmarshal(body, &problem))
	require.Contains(t, problem["detail"], "not allowed")
}

func TestDownloadProxyOfflinePeer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startEnv(t, ctx, ratelimit.Config{MaxRequests: 1000, Window: time.Minute})

	payload := []byte("gone soon")
	hash := hashOf(payload)

	agent := newFakeAgent()
	agent.addFile("fleeting.txt", payload)
	agentAddr := env.startAgent(t, ctx, agent)

	env.postJSON(t, "/api/peers/register", registry.Registration{
		PeerID: "peer-1", Host: agentAddr.host, Port: agentAddr.port,
	}, http.StatusOK)
	env.postJSON(t, "/api/files/index/peer-1", nil, http.StatusOK)

	// Unregister flips the peer offline; the catalog row survives but
	// the proxy refuses to relay.
	req, err := http.NewRequest(http.MethodDelete, env.base+"/api/peers/peer-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.base + "/api/download/" + hash)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var problem map[string]string
	require.NoError(t, json.Unmarshal(body, &problem))
	require.Contains(t, problem["detail"], "peer-1")

	// Unknown hashes are a plain 404.
	resp, err = http.Get(env.base + "/api/download/" + hashOf([]byte("never seen")))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimiting(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startEnv(t, ctx, ratelimit.Config{MaxRequests: 2, Window: time.Minute})

	for i := 0; i < 2; i++ {
		resp, err := http.Get(env.base + "/api/health")
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
		require.Equal(t, strconv.Itoa(1-i), resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp, err := http.Get(env.base + "/api/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
	require.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	var rejected struct {
		Detail     string `json:"detail"`
		RetryAfter int    `json:"retry_after"`
	}
	require.NoError(t, json.Unmarshal(body, &rejected))
	require.Equal(t, "rate limit exceeded", rejected.Detail)
	require.Greater(t, rejected.RetryAfter, 0)
}

func TestStats(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startEnv(t, ctx, ratelimit.Config{MaxRequests: 1000, Window: time.Minute})

	agent := newFakeAgent()
	agent.addFile("a.txt", []byte("0123456789"))
	agentAddr := env.startAgent(t, ctx, agent)

	env.postJSON(t, "/api/peers/register", registry.Registration{
		PeerID: "peer-1", Host: agentAddr.host, Port: agentAddr.port,
	}, http.StatusOK)
	env.postJSON(t, "/api/files/index/peer-1", nil, http.StatusOK)

	var stats api.SystemStats
	env.getJSON(t, "/api/stats", &stats)
	require.EqualValues(t, 1, stats.TotalPeers)
	require.EqualValues(t, 1, stats.OnlinePeers)
	require.EqualValues(t, 1, stats.TotalFiles)
	require.EqualValues(t, 10, stats.TotalSize)
	require.GreaterOrEqual(t, stats.UptimeSeconds, 0.0)
}

func TestPeerStatusIsCached(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := startEnv(t, ctx, ratelimit.Config{MaxRequests: 1000, Window: time.Minute})

	agent := newFakeAgent()
	agentAddr := env.startAgent(t, ctx, agent)
	env.postJSON(t, "/api/peers/register", registry.Registration{
		PeerID: "peer-1", Host: agentAddr.host, Port: agentAddr.port,
	}, http.StatusOK)

	var status registry.Status
	env.getJSON(t, "/api/peers/peer-1/status", &status)
	require.True(t, status.IsOnline)
	probes := agent.probes()

	// The second read is served from the hot cache without touching the
	// agent.
	env.getJSON(t, "/api/peers/peer-1/status", &status)
	require.True(t, status.IsOnline)
	require.Equal(t, probes, agent.probes())
}

type testEnv struct {
	base    string
	manager *transfer.Manager
}

type agentAddr struct {
	host string
	port int
}

func startEnv(t *testing.T, ctx *testcontext.Context, limits ratelimit.Config) *testEnv {
	log := zaptest.NewLogger(t)

	db, err := coordinatordb.Open(ctx, log.Named("db"), coordinatordb.Config{
		URL: ctx.File("coordinator.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))

	client := peerclient.New(peerclient.Config{
		ProbeTimeout:   time.Second,
		ListTimeout:    time.Second,
		UploadTimeout:  time.Second,
		ConnectTimeout: time.Second,
	})

	catalogService := catalog.NewService(log.Named("catalog"), db.Files(), db.SearchLogs(), nil, client, catalog.Config{})
	registryService := registry.NewService(log.Named("registry"), db.Peers(), client, nil, catalogService, registry.Config{})
	catalogService.SetPeers(registryService)

	manager := transfer.NewManager(log.Named("transfer"), db.Transfers(), db.Files(), catalogService, registryService, client, transfer.Config{
		ScratchDir:       ctx.Dir("scratch"),
		ProgressInterval: 20 * time.Millisecond,
		UploadAttempts:   1,
		MaxUploadSize:    memory.MiB,
		SweepInterval:    time.Hour,
		Retention:        time.Hour,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := api.NewServer(log.Named("api"), listener, registryService, catalogService, manager, db.Files(), client, cache.NewMemory(100), api.Config{
		Address:        listener.Addr().String(),
		ProxyChunkSize: 8 * memory.KiB,
		RateLimit:      limits,
		Cache: cache.Config{
			StatusTTL: time.Minute,
			SearchTTL: time.Minute,
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := server.Run(runCtx); err != nil {
			t.Error("api server failed:", err)
		}
	}()

	t.Cleanup(func() {
		cancel()
		<-served
		_ = server.Close()
		_ = manager.Close()
		_ = db.Close()
	})

	return &testEnv{
		base:    "http://" + listener.Addr().String(),
		manager: manager,
	}
}

func (env *testEnv) startAgent(t *testing.T, ctx *testcontext.Context, agent *fakeAgent) agentAddr {
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return agentAddr{host: host, port: port}
}

func (env *testEnv) postJSON(t *testing.T, path string, request interface{}, wantStatus int) []byte {
	var body io.Reader
	if request != nil {
		data, err := json.Marshal(request)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	resp, err := http.Post(env.base+path, "application/json", body)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, wantStatus, resp.StatusCode, "%s: %s", path, string(data))
	return data
}

func (env *testEnv) postJSONInto(t *testing.T, path string, request, response interface{}) {
	data := env.postJSON(t, path, request, http.StatusOK)
	require.NoError(t, json.Unmarshal(data, response))
}

func (env *testEnv) getJSON(t *testing.T, path string, response interface{}) {
	resp, err := http.Get(env.base + path)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s: %s", path, string(data))
	require.NoError(t, json.Unmarshal(data, response))
}

// fakeAgent is a minimal stand-in for a peer node agent.
type fakeAgent struct {
	mu         sync.Mutex
	files      map[string]fakeFile // hash -> file
	probeCount int
}

type fakeFile struct {
	name string
	data []byte
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{files: make(map[string]fakeFile)}
}

func (agent *fakeAgent) addFile(name string, data []byte) {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	agent.files[hashOf(data)] = fakeFile{name: name, data: data}
}

func (agent *fakeAgent) received(name string) []byte {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	for _, file := range agent.files {
		if file.name == name {
			return file.data
		}
	}
	return nil
}

func (agent *fakeAgent) probes() int {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	return agent.probeCount
}

func (agent *fakeAgent) handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		agent.mu.Lock()
		agent.probeCount++
		agent.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	router.HandleFunc("/api/files", func(w http.ResponseWriter, r *http.Request) {
		agent.mu.Lock()
		entries := make([]peerclient.FileEntry, 0, len(agent.files))
		for hash, file := range agent.files {
			entries = append(entries, peerclient.FileEntry{
				Filename:    file.name,
				Hash:        hash,
				Size:        int64(len(file.data)),
				IsAvailable: true,
			})
		}
		agent.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"files": entries})
	})
	router.HandleFunc("/api/download/{hash}", func(w http.ResponseWriter, r *http.Request) {
		agent.mu.Lock()
		file, ok := agent.files[mux.Vars(r)["hash"]]
		agent.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(file.data)))
		_, _ = w.Write(file.data)
	})
	router.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		payload, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer func() { _ = payload.Close() }()
		data, err := io.ReadAll(payload)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		agent.mu.Lock()
		agent.files[hashOf(data)] = fakeFile{name: header.Filename, data: data}
		agent.mu.Unlock()
		fmt.Fprint(w, `{"success":true}`)
	})
	return router
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
