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

// Package service implements the demo HTTP endpoints of the spanbridge
// server binary. Every request produces spans against the wired tracer and
// the async endpoint fans work out through the context propagating executor.
package service

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.uber.org/zap"

	"github.com/basvanbeek/spanbridge/pkg"
	"github.com/basvanbeek/spanbridge/pkg/executor"
	"github.com/basvanbeek/spanbridge/pkg/trace"
)

const (
	flagDuration = "ep-duration"
	flagErrors   = "ep-errors"

	errPercentage pkg.Error = "expected percentage value between 0 and 100"
	errDuration   pkg.Error = "expected a zero or positive duration"
	errTaskCount  pkg.Error = "expected task count between 1 and 1000"
	errInternal   pkg.Error = "internal service failure occurred"
	errQueueFull  pkg.Error = "executor refused task"
)

// Endpoints implements a run.Config compatible group of endpoints which will
// register themselves on the provided http service, producing spans against
// the provided tracer.
type Endpoints struct {
	// dependencies
	Tracer *trace.Tracer
	Exec   executor.Executor
	Logger *zap.Logger

	ServiceName string

	handler http.Handler

	// service globals protected by mutex mtx
	mtx      sync.RWMutex
	errors   int32
	duration time.Duration
}

// static compile time run interfaces validation
var (
	_ run.Config    = (*Endpoints)(nil)
	_ run.PreRunner = (*Endpoints)(nil)
)

// Name implements run.Unit.
func (ep *Endpoints) Name() string {
	return "endpoints"
}

// FlagSet implements run.Config.
func (ep *Endpoints) FlagSet() *run.FlagSet {
	if ep.Logger == nil {
		ep.Logger = zap.NewNop()
	}

	flags := run.NewFlagSet("Endpoint options")

	flags.Int32Var(&ep.errors, flagErrors, ep.errors,
		`Percentage of errors on the work handler`)

	flags.DurationVar(&ep.duration, flagDuration, ep.duration,
		`Duration of a request on the work handler`)

	return flags
}

// Validate implements run.Config.
func (ep *Endpoints) Validate() error {
	var mErr error

	if ep.errors < 0 || ep.errors > 100 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagErrors, errPercentage),
		)
	}
	if ep.duration < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagDuration, errDuration),
		)
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (ep *Endpoints) PreRun() error {
	if ep.Tracer == nil {
		return pkg.Error("missing tracer to attach to")
	}
	if ep.Exec == nil {
		return pkg.Error("missing executor to submit to")
	}
	if ep.Logger == nil {
		ep.Logger = zap.NewNop()
	}

	// create our service router
	router := mux.NewRouter()
	router.Methods("GET").Path("/errors/{percentage}").HandlerFunc(ep.setErrors)
	router.Methods("GET").Path("/latency/{duration}").HandlerFunc(ep.setLatency)
	router.Methods("GET").Path("/async/{count}").HandlerFunc(ep.async)
	router.Methods("GET").PathPrefix("/").HandlerFunc(ep.work)

	ep.handler = router

	return nil
}

// Handler returns an HTTP handler that can be attached to an HTTP service.
// The handler holds a router to the endpoints with the sub handlers.
func (ep *Endpoints) Handler() http.Handler {
	return ep.handler
}
