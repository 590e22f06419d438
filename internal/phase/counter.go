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

// Package phase implements the progress counter a worker publishes and the
// poller a controller uses to wait for a target phase.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Phase is a point in the worker's progress. Values only grow.
type Phase int64

// NotStarted is the zero phase.
const NotStarted Phase = 0

var (
	// ErrRegression is returned when a phase lower than the current one is
	// published or observed.
	ErrRegression = errors.New("phase: regression")
)

// Source is anything a controller can read the current phase from: a local
// Counter or a remote worker's API.
type Source interface {
	Load(ctx context.Context) (Phase, error)
}

// Counter is the worker-owned phase cell. It has a single writer (the worker)
// and any number of readers.
type Counter struct {
	v atomic.Int64
}

// NewCounter returns a counter at NotStarted.
func NewCounter() *Counter {
	return &Counter{}
}

// AdvanceTo publishes p. Publishing the current phase again is a no-op;
// publishing a lower phase fails with ErrRegression and leaves the counter
// unchanged.
func (c *Counter) AdvanceTo(p Phase) error {
	for {
		cur := c.v.Load()
		if int64(p) == cur {
			return nil
		}
		if int64(p) < cur {
			return fmt.Errorf("%w: %d after %d", ErrRegression, p, cur)
		}
		if c.v.CompareAndSwap(cur, int64(p)) {
			return nil
		}
	}
}

// Current returns the latest published phase.
func (c *Counter) Current() Phase {
	return Phase(c.v.Load())
}

// Load implements Source.
func (c *Counter) Load(ctx context.Context) (Phase, error) {
	if err := ctx.Err(); err != nil {
		return NotStarted, err
	}
	return c.Current(), nil
}

// Labels names phases for logging.
type Labels map[Phase]string

// Name returns the label for p, or its number.
func (l Labels) Name(p Phase) string {
	if name, ok := l[p]; ok {
		return name
	}
	return fmt.Sprintf("phase-%d", int64(p))
}
