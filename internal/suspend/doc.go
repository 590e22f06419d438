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

// Package suspend implements the coordinator that stops a running worker
// while a specific method is its innermost frame.
//
// There is no primitive for "suspend exactly when the worker reaches method
// X". Suspension requests race with the worker, so the coordinator observes
// and retries: it suspends, captures the stack, and either accepts the stop
// or resumes the worker and tries again after a short delay. A bounded
// attempt budget turns the race into a deterministic pass or fail.
//
//	Idle -> Suspended(Checking) -> Accepted
//	                            -> RetryResume -> Suspended(Checking) ...
//	                            -> Failed (empty stack, or budget spent)
//	Accepted | Failed -> Unwound
//
// Whatever the outcome, the coordinator issues exactly one UnwindOneFrame
// once the loop ends. Joining the worker is left to the caller.
//
// # Example
//
//	coord, err := suspend.New(agent, suspend.Config{TargetMethod: "doInit"},
//		suspend.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	res, err := coord.Run(ctx, threadID)
//	if res.Outcome != suspend.OutcomeAccepted {
//		// report failure, res.Stack holds the last capture
//	}
package suspend
