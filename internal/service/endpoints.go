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

package service

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/basvanbeek/spanbridge/pkg/trace"
)

// setErrors allows one to set the percentage of error responses this service
// will generate on the work handler.
func (ep *Endpoints) setErrors(w http.ResponseWriter, r *http.Request) {
	strErrors, ok := mux.Vars(r)["percentage"]
	if !ok {
		ep.writeResponse(w, response{Code: http.StatusBadRequest, Error: errPercentage})
		return
	}

	i, err := strconv.Atoi(strErrors)
	if err != nil || i < 0 || i > 100 {
		ep.writeResponse(w, response{Code: http.StatusBadRequest, Error: errPercentage})
		return
	}
	ep.mtx.Lock()
	ep.errors = int32(i)
	ep.mtx.Unlock()

	ep.writeResponse(w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("errors percentage set to: %d%%", i),
	})
}

// setLatency allows one to set the latency this service will emulate on the
// work handler and async tasks.
func (ep *Endpoints) setLatency(w http.ResponseWriter, r *http.Request) {
	strDuration, ok := mux.Vars(r)["duration"]
	if !ok {
		ep.writeResponse(w, response{Code: http.StatusBadRequest, Error: errDuration})
		return
	}

	d, err := time.ParseDuration(strDuration)
	if err != nil || d < 0 {
		ep.writeResponse(w, response{Code: http.StatusBadRequest, Error: errDuration})
		return
	}
	ep.mtx.Lock()
	ep.duration = d
	ep.mtx.Unlock()

	ep.writeResponse(w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("emulated latency set to: %s", d),
	})
}

// work emulates a traced unit of work. The request goroutine owns a fresh
// slot, so each request gets its own root server span.
func (ep *Endpoints) work(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(r.URL.Path, "/")
	if name == "" {
		name = "work"
	}

	slot := trace.NewSlot()
	span := ep.Tracer.StartSpan(slot, name, trace.WithKind(trace.KindServer))
	defer span.Finish()

	ep.mtx.RLock()
	duration := ep.duration
	errPct := ep.errors
	ep.mtx.RUnlock()

	if duration > 0 {
		span.Annotate("emulating latency")
		time.Sleep(duration)
	}

	if errPct > 0 && rand.Int31n(100) < errPct { // nolint: gosec
		span.Tag("error", errInternal.Error())
		ep.writeResponse(w, response{
			Code:    http.StatusInternalServerError,
			TraceID: span.Context().TraceID,
			Error:   errInternal,
		})
		return
	}

	ep.writeResponse(w, response{
		Code:    http.StatusOK,
		TraceID: span.Context().TraceID,
		Message: fmt.Sprintf("handled %q", name),
	})
}

// async starts a request span and fans the requested number of tasks out
// through the executor. Since the executor is decorated, each task joins the
// request trace even though it runs on a borrowed worker goroutine.
func (ep *Endpoints) async(w http.ResponseWriter, r *http.Request) {
	strCount, ok := mux.Vars(r)["count"]
	if !ok {
		ep.writeResponse(w, response{Code: http.StatusBadRequest, Error: errTaskCount})
		return
	}
	count, err := strconv.Atoi(strCount)
	if err != nil || count < 1 || count > 1000 {
		ep.writeResponse(w, response{Code: http.StatusBadRequest, Error: errTaskCount})
		return
	}

	slot := trace.NewSlot()
	span := ep.Tracer.StartSpan(slot, "async", trace.WithKind(trace.KindServer))
	defer span.Finish()

	ep.mtx.RLock()
	duration := ep.duration
	ep.mtx.RUnlock()

	var refused int
	for i := 0; i < count; i++ {
		task := func(worker *trace.Slot) {
			child := ep.Tracer.StartSpan(worker, "async-work", trace.WithKind(trace.KindLocal))
			defer child.Finish()
			if duration > 0 {
				time.Sleep(duration)
			}
		}
		if err := ep.Exec.Execute(slot, task); err != nil {
			refused++
		}
	}

	if refused > 0 {
		span.Tag("error", errQueueFull.Error())
	}
	span.Tag("tasks", strconv.Itoa(count-refused))

	ep.writeResponse(w, response{
		Code:      http.StatusOK,
		TraceID:   span.Context().TraceID,
		Scheduled: count - refused,
		Refused:   refused,
	})
}
