// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package contact keeps the peer node registered with the coordinator.
package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default contact errs class.
	Error = errs.Class("contact")
)

// Registration is the payload sent to the coordinator's register
// endpoint.
type Registration struct {
	PeerID   string `json:"peer_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	GRPCPort int    `json:"grpc_port"`
}

// PeerInfo is one entry of the coordinator's online peer list.
type PeerInfo struct {
	PeerID     string `json:"peer_id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	IsOnline   bool   `json:"is_online"`
	FilesCount int64  `json:"files_count"`
}

// Client talks to the coordinator's REST API.
type Client struct {
	base string
	http http.Client
}

// NewClient creates a coordinator client for the given base URL, for
// example "http://localhost:8000".
func NewClient(coordinatorURL string, timeout time.Duration) *Client {
	return &Client{
		base: coordinatorURL,
		http: http.Client{Timeout: timeout},
	}
}

// Register announces the peer to the coordinator.
func (client *Client) Register(ctx context.Context, reg Registration) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(reg)
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.base+"/api/peers/register", bytes.NewReader(body))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return client.do(req, nil)
}

// Deregister removes the peer's registration.
func (client *Client) Deregister(ctx context.Context, peerID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		client.base+"/api/peers/"+peerID, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	return client.do(req, nil)
}

// OnlinePeers lists the peers the coordinator currently considers
// online.
func (client *Client) OnlinePeers(ctx context.Context) (_ []PeerInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		client.base+"/api/peers/online", nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var peers []PeerInfo
	if err := client.do(req, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (client *Client) do(req *http.Request, out interface{}) error {
	resp, err := client.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := readDetail(resp.Body)
		return Error.New("coordinator returned %d: %s", resp.StatusCode, detail)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func readDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return err.Error()
	}
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return fmt.Sprintf("%q", string(data))
}
