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

// Package rendezvous provides the single-fire gates a controller and a worker
// use to meet at a known point before suspension logic is armed.
package rendezvous

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrReadyNotObserved is returned when the controller tries to release the
	// worker before it has seen the worker's ready signal.
	ErrReadyNotObserved = errors.New("rendezvous: go released before ready was observed")
)

// Gate is a single-fire signal: it is released exactly once and any number of
// goroutines may wait on it. There is no reset.
type Gate struct {
	ch       chan struct{}
	released atomic.Bool
}

// NewGate creates a closed (unreleased) gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Release opens the gate and wakes every waiter.
// Releasing a gate twice is a programming error and panics.
func (g *Gate) Release() {
	if !g.released.CompareAndSwap(false, true) {
		panic("rendezvous: gate released twice")
	}
	close(g.ch)
}

// Wait parks until the gate is released or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the gate is released.
func (g *Gate) Done() <-chan struct{} {
	return g.ch
}

// Released reports whether Release has been called.
func (g *Gate) Released() bool {
	return g.released.Load()
}
