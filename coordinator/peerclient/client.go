// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package peerclient talks to the REST surface exposed by peer node agents.
package peerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default peerclient errs class.
	Error = errs.Class("peerclient")
)

// Config holds the timeouts applied to peer agent calls.
type Config struct {
	ProbeTimeout   time.Duration `help:"deadline for a single health probe" default:"10s"`
	ListTimeout    time.Duration `help:"deadline for fetching a peer file list" default:"30s"`
	UploadTimeout  time.Duration `help:"deadline for a single upload attempt" default:"60s"`
	ConnectTimeout time.Duration `help:"deadline for establishing a download stream" default:"30s"`
}

// StatusError reports a non-200 response from a peer agent.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer returned status %d", e.Code)
}

// FileEntry is one row of a peer's published file list.
type FileEntry struct {
	Filename     string     `json:"filename"`
	Hash         string     `json:"hash"`
	Size         int64      `json:"size"`
	IsAvailable  bool       `json:"is_available"`
	LastModified *time.Time `json:"last_modified"`
}

// Stream is an open download from a peer agent. The caller owns Body.
type Stream struct {
	Body          io.ReadCloser
	ContentLength int64
}

// Client issues HTTP requests against peer agents.
type Client struct {
	config Config
	http   *http.Client
}

// New creates a peer agent client. The download connect deadline applies
// at dial time so that open streams are never cut mid-body.
func New(config Config) *Client {
	return &Client{
		config: config,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: config.ConnectTimeout,
				}).DialContext,
			},
		},
	}
}

// Ping probes the peer health endpoint. Any transport failure or non-200
// response is an error.
func (client *Client) Ping(ctx context.Context, addr string) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, client.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.url(addr, "/api/health"), nil)
	if err != nil {
		return Error.Wrap(err)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		return Error.Wrap(&StatusError{Code: resp.StatusCode})
	}
	return nil
}

// Files fetches the peer's current file list.
func (client *Client) Files(ctx context.Context, addr string) (_ []FileEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, client.config.ListTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.url(addr, "/api/files"), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		return nil, Error.Wrap(&StatusError{Code: resp.StatusCode})
	}

	var listing struct {
		Files []FileEntry `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, Error.New("malformed file list: %v", err)
	}
	return listing.Files, nil
}

// Download opens the byte stream for hash on the peer. The caller must
// close the returned body; streaming has no overall deadline.
func (client *Client) Download(ctx context.Context, addr, hash string) (_ *Stream, err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.url(addr, "/api/download/"+hash), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, Error.Wrap(errs.Combine(&StatusError{Code: resp.StatusCode}, resp.Body.Close()))
	}

	return &Stream{Body: resp.Body, ContentLength: resp.ContentLength}, nil
}

// Upload pushes one file as multipart form data to the peer with a single
// attempt. The declared hash is forwarded so the agent can verify the
// payload it stored.
func (client *Client) Upload(ctx context.Context, addr, filename, hash string, payload io.Reader) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, client.config.UploadTimeout)
	defer cancel()

	bodyReader, bodyWriter := io.Pipe()
	form := multipart.NewWriter(bodyWriter)
	go func() {
		_ = bodyWriter.CloseWithError(writeUploadForm(form, filename, hash, payload))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.url(addr, "/api/upload"), bodyReader)
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := client.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		return Error.Wrap(&StatusError{Code: resp.StatusCode})
	}
	return nil
}

func writeUploadForm(form *multipart.Writer, filename, hash string, payload io.Reader) error {
	if hash != "" {
		if err := form.WriteField("file_hash", hash); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, payload); err != nil {
		return err
	}
	return form.Close()
}

func (client *Client) url(addr, path string) string {
	return "http://" + addr + path
}
