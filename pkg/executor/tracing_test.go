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

package executor_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/basvanbeek/spanbridge/pkg/executor"
	"github.com/basvanbeek/spanbridge/pkg/trace"
)

// syncExecutor runs tasks immediately on a single reused worker slot. It
// emulates a borrowed worker whose slot may hold leftover state.
type syncExecutor struct {
	worker *trace.Slot
}

func (e *syncExecutor) Execute(_ *trace.Slot, task executor.Task) error {
	task(e.worker)
	return nil
}

func newPool(t *testing.T, workers, queue int) *executor.Pool {
	t.Helper()
	pool := &executor.Pool{Workers: workers, QueueSize: queue}
	pool.Start()
	t.Cleanup(pool.GracefulStop)
	return pool
}

func TestTracingCapturesSubmissionContext(t *testing.T) {
	worker := trace.NewSlot()
	exec := executor.WithTracing(&syncExecutor{worker: worker})

	from := trace.NewSlot()
	c1 := trace.SpanContext{TraceID: "01", SpanID: "02", Sampled: true}
	from.Install(c1)

	var observed trace.SpanContext
	var observedOk bool
	err := exec.Execute(from, func(worker *trace.Slot) {
		observed, observedOk = worker.Active()
	})
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if !observedOk || observed != c1 {
		t.Fatalf("expected task to observe %+v, got %+v (%t)", c1, observed, observedOk)
	}
	if _, ok := worker.Active(); ok {
		t.Fatal("expected worker slot restored to empty after the task")
	}
}

func TestTracingCapturesAtSubmissionNotExecution(t *testing.T) {
	worker := trace.NewSlot()

	// deferringExecutor holds tasks until released, emulating queue delay
	var pending []executor.Task
	deferring := executorFunc(func(_ *trace.Slot, task executor.Task) error {
		pending = append(pending, task)
		return nil
	})
	exec := executor.WithTracing(deferring)

	from := trace.NewSlot()
	c1 := trace.SpanContext{TraceID: "01", SpanID: "02", Sampled: true}
	from.Install(c1)

	var observed trace.SpanContext
	if err := exec.Execute(from, func(worker *trace.Slot) {
		observed, _ = worker.Active()
	}); err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}

	// the submitting goroutine moves on to an unrelated context before the
	// task gets to run
	c2 := trace.SpanContext{TraceID: "03", SpanID: "04", Sampled: true}
	from.Install(c2)

	pending[0](worker)
	if observed != c1 {
		t.Fatalf("expected capture at submission time (%+v), got %+v", c1, observed)
	}
	if active, ok := worker.Active(); ok {
		t.Fatalf("expected restored empty worker slot, got %+v", active)
	}
}

type executorFunc func(from *trace.Slot, task executor.Task) error

func (f executorFunc) Execute(from *trace.Slot, task executor.Task) error {
	return f(from, task)
}

func TestTracingRestoresPriorWorkerContext(t *testing.T) {
	worker := trace.NewSlot()
	leftover := trace.SpanContext{TraceID: "0f", SpanID: "0e", Sampled: true}
	worker.Install(leftover)

	exec := executor.WithTracing(&syncExecutor{worker: worker})

	from := trace.NewSlot()
	c1 := trace.SpanContext{TraceID: "01", SpanID: "02", Sampled: true}
	from.Install(c1)

	if err := exec.Execute(from, func(*trace.Slot) {}); err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if active, ok := worker.Active(); !ok || active != leftover {
		t.Fatalf("expected leftover context %+v restored, got %+v (%t)", leftover, active, ok)
	}
}

func TestTracingClearsWorkerWhenSubmitterHasNoContext(t *testing.T) {
	worker := trace.NewSlot()
	leftover := trace.SpanContext{TraceID: "0f", SpanID: "0e", Sampled: true}
	worker.Install(leftover)

	exec := executor.WithTracing(&syncExecutor{worker: worker})

	var observedOk bool
	if err := exec.Execute(trace.NewSlot(), func(worker *trace.Slot) {
		_, observedOk = worker.Active()
	}); err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if observedOk {
		t.Fatal("expected no active context during a context-free task")
	}
	if active, ok := worker.Active(); !ok || active != leftover {
		t.Fatalf("expected leftover context %+v restored, got %+v (%t)", leftover, active, ok)
	}
}

func TestTracingRestoresOnPanic(t *testing.T) {
	worker := trace.NewSlot()
	exec := executor.WithTracing(&syncExecutor{worker: worker})

	from := trace.NewSlot()
	from.Install(trace.SpanContext{TraceID: "01", SpanID: "02", Sampled: true})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected the task panic to propagate through the bracket")
			}
		}()
		_ = exec.Execute(from, func(*trace.Slot) {
			panic("task blew up")
		})
	}()

	// the restore half of the bracket must have run regardless
	if active, ok := worker.Active(); ok {
		t.Fatalf("expected restored empty worker slot, got %+v", active)
	}
}

func TestTracingSingleWorkerSequentialTasks(t *testing.T) {
	// Task A submitted with context C1 and task B with context C2 both run
	// on the same reused worker; each must observe its own submission
	// context and the worker must end up with whatever it had before.
	pool := newPool(t, 1, 16)
	exec := executor.WithTracing(pool)

	c1 := trace.SpanContext{TraceID: "01", SpanID: "0a", Sampled: true}
	c2 := trace.SpanContext{TraceID: "02", SpanID: "0b", Sampled: true}

	slotA := trace.NewSlot()
	slotA.Install(c1)
	slotB := trace.NewSlot()
	slotB.Install(c2)

	results := make(chan trace.SpanContext, 2)
	task := func(worker *trace.Slot) {
		active, _ := worker.Active()
		results <- active
	}

	if err := exec.Execute(slotA, task); err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if err := exec.Execute(slotB, task); err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}

	first, second := <-results, <-results
	if first != c1 || second != c2 {
		t.Fatalf("expected tasks to observe c1 then c2, got %+v then %+v", first, second)
	}

	// after both tasks the worker slot is empty again
	probe := make(chan bool, 1)
	if err := exec.Execute(trace.NewSlot(), func(worker *trace.Slot) {
		_, ok := worker.Active()
		probe <- ok
	}); err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if <-probe {
		t.Fatal("expected empty worker slot for a context-free submission")
	}
}

func TestTracingConcurrentTaskIsolation(t *testing.T) {
	// for N concurrently submitted tasks, each observes the context of its
	// own submitting goroutine, never that of another task
	pool := newPool(t, 4, 1024)
	exec := executor.WithTracing(pool)

	const submitters = 8
	const tasksEach = 64

	var wg sync.WaitGroup
	wg.Add(submitters)
	errs := make(chan error, submitters*tasksEach)
	for s := 0; s < submitters; s++ {
		go func(s int) {
			defer wg.Done()
			slot := trace.NewSlot()
			want := trace.SpanContext{
				TraceID: fmt.Sprintf("%032x", s+1),
				SpanID:  fmt.Sprintf("%016x", s+1),
				Sampled: true,
			}
			slot.Install(want)

			var taskWG sync.WaitGroup
			for i := 0; i < tasksEach; i++ {
				taskWG.Add(1)
				err := exec.Execute(slot, func(worker *trace.Slot) {
					defer taskWG.Done()
					if active, ok := worker.Active(); !ok || active != want {
						errs <- fmt.Errorf("submitter %d: observed %+v (%t)", s, active, ok)
					}
				})
				if err != nil {
					taskWG.Done()
					errs <- err
				}
			}
			taskWG.Wait()
		}(s)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
