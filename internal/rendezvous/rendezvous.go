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

package rendezvous

import (
	"context"
	"sync/atomic"
)

// Rendezvous pairs the worker's ready signal with the controller's go signal.
//
// The worker calls SignalReady once its own setup is done and then parks in
// AwaitGo. The controller parks in AwaitReady, arms whatever it needs against
// the now-live worker, and calls ReleaseGo. Channel close semantics give the
// ordering: everything the worker did before SignalReady is visible to the
// controller after AwaitReady, and everything the controller did before
// ReleaseGo is visible to the worker after AwaitGo.
type Rendezvous struct {
	ready         *Gate
	start         *Gate
	readyObserved atomic.Bool
}

// New creates a rendezvous with both gates unreleased.
func New() *Rendezvous {
	return &Rendezvous{
		ready: NewGate(),
		start: NewGate(),
	}
}

// SignalReady is called by the worker exactly once.
func (r *Rendezvous) SignalReady() {
	r.ready.Release()
}

// AwaitGo parks the worker until the controller releases it.
func (r *Rendezvous) AwaitGo(ctx context.Context) error {
	return r.start.Wait(ctx)
}

// AwaitReady parks the controller until the worker is ready.
func (r *Rendezvous) AwaitReady(ctx context.Context) error {
	if err := r.ready.Wait(ctx); err != nil {
		return err
	}
	r.readyObserved.Store(true)
	return nil
}

// ReleaseGo lets the worker proceed past its safe point. It fails with
// ErrReadyNotObserved unless AwaitReady has returned successfully, and panics
// if called twice.
func (r *Rendezvous) ReleaseGo() error {
	if !r.readyObserved.Load() {
		return ErrReadyNotObserved
	}
	r.start.Release()
	return nil
}

// Ready exposes the ready gate for select-style waits.
func (r *Rendezvous) Ready() *Gate {
	return r.ready
}

// Go exposes the go gate for select-style waits.
func (r *Rendezvous) Go() *Gate {
	return r.start
}
