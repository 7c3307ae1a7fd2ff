// Copyright (c) Bas van Beek 2022.
// Copyright (c) Tetrate, Inc 2021.
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

package executor

import "github.com/basvanbeek/spanbridge/pkg/trace"

// WithTracing decorates delegate so every submitted task runs with the trace
// context that was active on the submitting slot at submission time, not at
// the moment the task eventually starts. Around each single task execution
// the worker slot goes through a strict install/restore bracket: the
// captured context is installed right before the task body runs and the
// slot's prior state is reinstated right after it returns, also when the
// task panics. Without that bracket a reused worker would leak a stale
// context into the next, unrelated task.
//
// Apply the decorator exactly once per underlying executor: stacking it
// repeats the bracket, which is wasteful although not incorrect.
func WithTracing(delegate Executor) Executor {
	return &tracingExecutor{delegate: delegate}
}

type tracingExecutor struct {
	delegate Executor
}

// Execute implements Executor.
func (e *tracingExecutor) Execute(from *trace.Slot, task Task) error {
	if task == nil {
		return e.delegate.Execute(from, task)
	}

	// capture at submission time; the submitting goroutine may have moved
	// on, or finished, long before the task is picked up
	var (
		captured    trace.SpanContext
		hasCaptured bool
	)
	if from != nil {
		captured, hasCaptured = from.Active()
	}

	return e.delegate.Execute(from, func(worker *trace.Slot) {
		if worker == nil {
			task(nil)
			return
		}

		var (
			prev    trace.SpanContext
			hadPrev bool
		)
		if hasCaptured {
			prev, hadPrev = worker.Install(captured)
		} else {
			prev, hadPrev = worker.Clear()
		}
		// the restore half of the bracket is unconditional
		defer worker.Restore(prev, hadPrev)

		task(worker)
	})
}
