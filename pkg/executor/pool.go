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

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.uber.org/zap"

	"github.com/basvanbeek/spanbridge/pkg"
	"github.com/basvanbeek/spanbridge/pkg/trace"
)

// flags
const (
	flagWorkers      = "executor-workers"
	flagQueueSize    = "executor-queue-size"
	flagDrainTimeout = "executor-drain-timeout"

	defaultWorkers   = 4
	defaultQueueSize = 256

	defaultDrainTimeout = 5 * time.Second
)

// Pool implements a run.Group compatible fixed-size worker pool Executor.
// Every worker goroutine owns a trace.Slot for its lifetime; unrelated
// tasks reuse these workers, so context hygiene across tasks is the
// responsibility of the tracing decorator's install/restore bracket.
type Pool struct {
	Workers      int
	QueueSize    int
	DrainTimeout time.Duration
	Logger       *zap.Logger

	tasks     chan Task
	drain     chan struct{}
	quit      chan struct{}
	startOnce sync.Once
	started   atomic.Bool
	stopped   atomic.Bool
	wg        sync.WaitGroup
	dropped   uint64
}

// static compile time run interfaces validation
var (
	_ run.Config    = (*Pool)(nil)
	_ run.PreRunner = (*Pool)(nil)
	_ run.Service   = (*Pool)(nil)
	_ Executor      = (*Pool)(nil)
)

// Name implements run.Unit.
func (p *Pool) Name() string {
	return "executor"
}

// FlagSet implements run.Config.
func (p *Pool) FlagSet() *run.FlagSet {
	if p.Workers <= 0 {
		p.Workers = defaultWorkers
	}
	if p.QueueSize <= 0 {
		p.QueueSize = defaultQueueSize
	}
	if p.DrainTimeout <= 0 {
		p.DrainTimeout = defaultDrainTimeout
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	flags := run.NewFlagSet("Executor options")

	flags.IntVar(&p.Workers, flagWorkers, p.Workers,
		`Number of worker goroutines executing submitted tasks`)

	flags.IntVar(&p.QueueSize, flagQueueSize, p.QueueSize,
		`Number of pending tasks held before submissions are refused`)

	flags.DurationVar(&p.DrainTimeout, flagDrainTimeout, p.DrainTimeout,
		`Time allowed for queued tasks to finish on shutdown`)

	return flags
}

// Validate implements run.Config.
func (p *Pool) Validate() error {
	var mErr error

	if p.Workers <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagWorkers, pkg.ErrRequired))
	}
	if p.QueueSize <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagQueueSize, pkg.ErrRequired))
	}

	return mErr
}

// Execute implements Executor. The submitting goroutine is never blocked:
// when the queue is full the task is refused. The from slot is unused by the
// plain pool.
func (p *Pool) Execute(_ *trace.Slot, task Task) error {
	if task == nil {
		return nil
	}
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.started.Load() {
		return ErrNotStarted
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		atomic.AddUint64(&p.dropped, 1)
		return ErrQueueFull
	}
}

// Dropped returns the number of tasks refused due to a full queue.
func (p *Pool) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// PreRun implements run.PreRunner. The workers are spun up here, before the
// run.Group launches its service goroutines, so concurrent units observe a
// fully initialized pool.
func (p *Pool) PreRun() error {
	p.ensureStarted()
	return nil
}

// Serve implements run.Service.
func (p *Pool) Serve() error {
	p.ensureStarted()
	p.wg.Wait()
	return nil
}

// ensureStarted is safe to race with Execute: channel wiring happens inside
// the once and is published through the started flag Execute loads.
func (p *Pool) ensureStarted() {
	p.startOnce.Do(func() {
		if p.stopped.Load() {
			// stopped before it ever started; leave no workers behind
			return
		}
		if p.Workers <= 0 {
			p.Workers = defaultWorkers
		}
		if p.QueueSize <= 0 {
			p.QueueSize = defaultQueueSize
		}
		if p.DrainTimeout <= 0 {
			p.DrainTimeout = defaultDrainTimeout
		}
		if p.Logger == nil {
			p.Logger = zap.NewNop()
		}
		p.tasks = make(chan Task, p.QueueSize)
		p.drain = make(chan struct{})
		p.quit = make(chan struct{})
		p.wg.Add(p.Workers)
		for i := 0; i < p.Workers; i++ {
			go p.worker()
		}
		p.started.Store(true)
	})
}

// Start runs the pool workers without blocking. Meant for stand-alone use;
// inside a run.Group, Serve does this.
func (p *Pool) Start() {
	p.ensureStarted()
}

// GracefulStop implements run.Service. Pending tasks are drained within a
// bounded timeout; tasks still queued past the timeout are discarded.
func (p *Pool) GracefulStop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	if !p.started.Load() {
		return
	}

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	// no new submissions are accepted; workers finish the backlog and exit
	close(p.drain)
	select {
	case <-drained:
	case <-time.After(p.DrainTimeout):
		close(p.quit)
		<-drained
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	// the worker's slot lives as long as the worker; tasks from unrelated
	// submissions observe it in turn
	slot := trace.NewSlot()

	for {
		// drain takes precedence over new work so a stopping pool moves to
		// its backlog phase as soon as the current task returns
		select {
		case <-p.drain:
			p.drainBacklog(slot)
			return
		default:
		}
		select {
		case task := <-p.tasks:
			p.runTask(slot, task)
		case <-p.drain:
			p.drainBacklog(slot)
			return
		}
	}
}

// drainBacklog runs queued tasks until the backlog is empty or the stop
// timeout fires. quit takes precedence over backlog so the timeout is an
// actual cut-off.
func (p *Pool) drainBacklog(slot *trace.Slot) {
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case task := <-p.tasks:
			p.runTask(slot, task)
		default:
			return
		}
	}
}

// runTask contains task panics so one bad task cannot take down the worker.
func (p *Pool) runTask(slot *trace.Slot, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error("task panicked", zap.Any("panic", r))
		}
	}()
	task(slot)
}
