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

package phase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/rendezvous/internal/clock"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/pkg/errors"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 100 * time.Millisecond

// Poller waits for a Source to reach a target phase by polling it at a fixed
// interval. Polling trades a bounded detection latency for not needing a
// wake-up channel per phase transition.
type Poller struct {
	// Interval between reads. Default: DefaultInterval.
	Interval time.Duration

	// Timeout bounds the whole wait on Clock. Zero means wait until ctx ends.
	Timeout time.Duration

	// Clock drives the interval and timeout. Default: wall clock.
	Clock clock.Clock

	// Labels names phases in log output.
	Labels Labels

	// Logger receives a debug line per observed change. Default: discard.
	Logger *slog.Logger

	// Observe, if set, is called with every value read. Tests use it to
	// check the observation sequence.
	Observe func(Phase)
}

// WaitFor blocks until src reports a phase >= target. It returns the phase
// that satisfied the wait.
func (p *Poller) WaitFor(ctx context.Context, src Source, target Phase) (Phase, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := p.Logger
	if logger == nil {
		logger = rvlog.Discard()
	}

	start := clk.Now()
	last := NotStarted
	first := true

	for {
		cur, err := src.Load(ctx)
		if err != nil {
			return last, errors.Wrap(err, "reading phase")
		}
		if p.Observe != nil {
			p.Observe(cur)
		}
		if !first && cur < last {
			return last, fmt.Errorf("%w: observed %d after %d", ErrRegression, cur, last)
		}
		if first || cur != last {
			logger.Debug("phase observed",
				slog.String(rvlog.PhaseKey, p.Labels.Name(cur)),
				slog.String("target", p.Labels.Name(target)))
		}
		first = false
		last = cur

		if cur >= target {
			return cur, nil
		}

		if p.Timeout > 0 {
			if elapsed := clk.Now().Sub(start); elapsed >= p.Timeout {
				return cur, &errors.TimeoutError{
					Operation: fmt.Sprintf("waiting for %s", p.Labels.Name(target)),
					Duration:  elapsed,
				}
			}
		}

		if err := clk.Sleep(ctx, interval); err != nil {
			return cur, err
		}
	}
}
