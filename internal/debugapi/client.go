// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package debugapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/debugops"
	"github.com/tombee/rendezvous/internal/phase"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

// DefaultRequestTimeout bounds requests made without a context deadline.
const DefaultRequestTimeout = 30 * time.Second

// Client talks to a Server. It implements debugops.Ops.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

var _ debugops.Ops = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Its transport is used as is,
// without retries.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithRetry sets how often a read that could not reach the server is
// retried, starting at backoff and doubling. Zero attempts disables retries.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: DefaultRequestTimeout}
		if attempts > 0 {
			c.httpClient.Transport = newRetryTransport(nil, attempts, backoff)
		}
	}
}

// NewClient creates a client for the API at addr ("host:port" or a URL).
func NewClient(addr string, opts ...Option) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout:   DefaultRequestTimeout,
			Transport: newRetryTransport(nil, DefaultRetryAttempts, DefaultRetryBackoff),
		},
		baseURL: base,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health returns the server health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/v1/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Threads lists the threads registered with the remote agent.
func (c *Client) Threads(ctx context.Context) ([]agent.Info, error) {
	var out ThreadsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/threads", &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

// Thread returns one remote thread.
func (c *Client) Thread(ctx context.Context, id debugops.ThreadID) (*agent.Info, error) {
	var out agent.Info
	if err := c.do(ctx, http.MethodGet, threadPath(id, ""), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Suspend implements debugops.Ops.
func (c *Client) Suspend(ctx context.Context, id debugops.ThreadID) error {
	return c.do(ctx, http.MethodPost, threadPath(id, "suspend"), nil)
}

// Resume implements debugops.Ops.
func (c *Client) Resume(ctx context.Context, id debugops.ThreadID) error {
	return c.do(ctx, http.MethodPost, threadPath(id, "resume"), nil)
}

// CaptureStack implements debugops.Ops.
func (c *Client) CaptureStack(ctx context.Context, id debugops.ThreadID) (debugops.Stack, error) {
	var out StackResponse
	if err := c.do(ctx, http.MethodGet, threadPath(id, "stack"), &out); err != nil {
		return nil, err
	}
	return out.Frames, nil
}

// UnwindOneFrame implements debugops.Ops.
func (c *Client) UnwindOneFrame(ctx context.Context, id debugops.ThreadID) error {
	return c.do(ctx, http.MethodPost, threadPath(id, "unwind"), nil)
}

// Phase reads the phase a remote thread publishes.
func (c *Client) Phase(ctx context.Context, id debugops.ThreadID) (phase.Phase, error) {
	var out PhaseResponse
	if err := c.do(ctx, http.MethodGet, threadPath(id, "phase"), &out); err != nil {
		return phase.NotStarted, err
	}
	return out.Phase, nil
}

// PhaseSource adapts Phase for one thread to phase.Source.
func (c *Client) PhaseSource(id debugops.ThreadID) phase.Source {
	return remotePhase{c: c, id: id}
}

type remotePhase struct {
	c  *Client
	id debugops.ThreadID
}

func (p remotePhase) Load(ctx context.Context) (phase.Phase, error) {
	return p.c.Phase(ctx, p.id)
}

func threadPath(id debugops.ThreadID, op string) string {
	if op == "" {
		return "/v1/threads/" + string(id)
	}
	return "/v1/threads/" + string(id) + "/" + op
}

// do sends a request and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		return &rverrors.UnreachableError{Addr: c.baseURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Code == "" {
		return fmt.Errorf("debug api returned error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if er.Code == codeTimeout {
		return &rverrors.TimeoutError{Operation: "remote " + resp.Request.URL.Path, Cause: errors.New(er.Error)}
	}
	if s := sentinel(er.Code); s != nil {
		return s
	}
	return fmt.Errorf("debug api returned error %d: %s", resp.StatusCode, er.Error)
}
