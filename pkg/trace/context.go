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

package trace

import "sync"

// SpanContext is the immutable set of identifiers tying a unit of work to its
// place in a distributed trace. SpanContext values are propagated by copy and
// never mutated in place.
type SpanContext struct {
	TraceID  string
	SpanID   string
	ParentID string
	Sampled  bool
}

// Empty returns true if the context carries no identifiers.
func (c SpanContext) Empty() bool {
	return c.TraceID == "" && c.SpanID == ""
}

// Slot holds the active trace context of one logical worker. Each goroutine
// participating in tracing owns exactly one Slot and passes it along
// explicitly instead of relying on ambient process state. All mutations
// happen through the Install / Clear / Restore bracket so context hand-offs
// are explicit and testable.
//
// A Slot is safe for concurrent use, but by convention only its owning
// goroutine installs or clears it.
type Slot struct {
	mu     sync.Mutex
	active SpanContext
	set    bool
}

// NewSlot returns an empty Slot with no active context.
func NewSlot() *Slot {
	return &Slot{}
}

// Active returns the currently installed context, if any.
func (s *Slot) Active() (SpanContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.set
}

// Install makes c the active context and returns whatever was active before
// so the caller can hand it to Restore when its bracket ends.
func (s *Slot) Install(c SpanContext) (prev SpanContext, hadPrev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, hadPrev = s.active, s.set
	s.active, s.set = c, true
	return prev, hadPrev
}

// Clear removes the active context and returns the prior state.
func (s *Slot) Clear() (prev SpanContext, hadPrev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, hadPrev = s.active, s.set
	s.active, s.set = SpanContext{}, false
	return prev, hadPrev
}

// Restore reinstates a prior state as returned by Install or Clear. It is the
// closing half of the bracket and must run exactly once per opening half,
// also on abnormal termination of the bracketed work.
func (s *Slot) Restore(prev SpanContext, hadPrev bool) {
	if hadPrev {
		s.Install(prev)
		return
	}
	s.Clear()
}
