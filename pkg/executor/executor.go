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

// Package executor provides deferred task execution on reusable workers and
// a decorator that propagates trace context across the submission hand-off.
package executor

import (
	"github.com/basvanbeek/spanbridge/pkg"
	"github.com/basvanbeek/spanbridge/pkg/trace"
)

// ErrQueueFull is returned when a task cannot be accepted without blocking.
const ErrQueueFull pkg.Error = "executor queue full"

// ErrStopped is returned when tasks are submitted after shutdown.
const ErrStopped pkg.Error = "executor stopped"

// ErrNotStarted is returned when tasks are submitted before the pool runs.
const ErrNotStarted pkg.Error = "executor not started"

// Task is a deferred unit of work. It receives the slot of the worker it
// ends up running on, which carries the worker's active trace context and
// can be handed to a tracer to start child spans.
type Task func(worker *trace.Slot)

// Executor executes deferred units of work on reusable workers. Execute
// never blocks the submitting goroutine: the task is either accepted for
// later execution or refused with an error. The from slot identifies the
// submitting goroutine's trace context; plain executors ignore it, the
// tracing decorator captures it at submission time.
type Executor interface {
	Execute(from *trace.Slot, task Task) error
}
