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
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Retry defaults for read-only requests.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 100 * time.Millisecond
	maxRetryBackoff      = 2 * time.Second
)

// retryTransport retries GET requests that failed to reach the server, so a
// controller started alongside 'serve' does not fail while the listener
// comes up. Suspend, resume and unwind are POSTs and are never retried: a
// repeated suspend or unwind would change the worker's state twice.
// Responses are never retried either; every API error is meaningful.
type retryTransport struct {
	base     http.RoundTripper
	attempts int
	backoff  time.Duration
}

func newRetryTransport(base http.RoundTripper, attempts int, backoff time.Duration) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{base: base, attempts: attempts, backoff: backoff}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}

	var lastErr error
	for attempt := 0; attempt <= t.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(t.delay(attempt)):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		resp, err := t.base.RoundTrip(req)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// delay is exponential in attempt, capped, with up to 20% jitter.
func (t *retryTransport) delay(attempt int) time.Duration {
	d := t.backoff << (attempt - 1)
	if d <= 0 || d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// retryable reports whether err means the request never reached a server.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
