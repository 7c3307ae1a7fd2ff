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

import (
	"sync"
	"time"
)

// Kind describes the role a span played in an interaction.
type Kind string

// available span kinds
const (
	KindUnspecified Kind = ""
	KindServer      Kind = "SERVER"
	KindClient      Kind = "CLIENT"
	KindProducer    Kind = "PRODUCER"
	KindConsumer    Kind = "CONSUMER"
	KindLocal       Kind = "LOCAL"
)

// Annotation is a timestamped event recorded on a span. Annotation order is
// the order in which they were recorded.
type Annotation struct {
	Timestamp time.Time
	Value     string
}

// Span is a timed record of one logical unit of work. A Span is mutable
// while open and frozen once Finish is called; Finish takes effect exactly
// once. Mutators and accessors are safe for concurrent use.
type Span struct {
	mu          sync.Mutex
	ctx         SpanContext
	name        string
	kind        Kind
	start       time.Time
	duration    time.Duration
	tags        map[string]string
	annotations []Annotation
	finished    bool

	tracer  *Tracer
	slot    *Slot
	prev    SpanContext
	hadPrev bool
}

// Context returns the span's immutable trace context.
func (s *Span) Context() SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Name returns the span's operation name.
func (s *Span) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName updates the span's operation name. No-op on a finished span.
func (s *Span) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.name = name
}

// Kind returns the span's kind.
func (s *Span) Kind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Start returns the span's start timestamp.
func (s *Span) Start() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// Duration returns the span's duration. It is only defined once the span
// finished; an open span reports zero.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Finished returns true once Finish has taken effect.
func (s *Span) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Tag sets the tag identified by key to value. No-op on a finished span.
func (s *Span) Tag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if s.tags == nil {
		s.tags = make(map[string]string)
	}
	s.tags[key] = value
}

// Tags returns a copy of the span's tags.
func (s *Span) Tags() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tags) == 0 {
		return nil
	}
	tags := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		tags[k] = v
	}
	return tags
}

// Annotate records a timestamped event on the span. No-op on a finished span.
func (s *Span) Annotate(value string) {
	s.AnnotateAt(time.Now(), value)
}

// AnnotateAt records an event with an explicit timestamp on the span. No-op
// on a finished span.
func (s *Span) AnnotateAt(t time.Time, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.annotations = append(s.annotations, Annotation{Timestamp: t, Value: value})
}

// Annotations returns a copy of the span's annotations in recording order.
func (s *Span) Annotations() []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.annotations) == 0 {
		return nil
	}
	annotations := make([]Annotation, len(s.annotations))
	copy(annotations, s.annotations)
	return annotations
}

// Finish freezes the span, restores the slot it was started on to its prior
// context and hands the span to the tracer's lifecycle listeners. Subsequent
// calls are no-ops.
func (s *Span) Finish() {
	s.FinishAt(time.Now())
}

// FinishAt is Finish with an explicit completion timestamp.
func (s *Span) FinishAt(t time.Time) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.duration = t.Sub(s.start)
	if s.duration < 0 {
		s.duration = 0
	}
	slot, prev, hadPrev := s.slot, s.prev, s.hadPrev
	tracer := s.tracer
	s.mu.Unlock()

	if slot != nil {
		slot.Restore(prev, hadPrev)
	}
	if tracer != nil {
		tracer.spanFinished(s)
	}
}
