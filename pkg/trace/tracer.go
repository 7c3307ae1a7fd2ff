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

// Package trace holds spanbridge's span record model and tracer. The tracer
// is an owned instance, not package-global state: a process typically
// creates one and hands it to the components that start spans and the
// listeners that consume them.
package trace

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SpanLifecycleListener receives span lifecycle events. Both hooks are
// invoked synchronously on the goroutine driving the span, so
// implementations must not block meaningfully; slow work belongs on a
// background path owned by the listener.
type SpanLifecycleListener interface {
	// SpanStarted is called right after a span has been started.
	SpanStarted(*Span)
	// SpanCompleted is called right after a span has been frozen by Finish.
	SpanCompleted(*Span)
}

type listenerEntry struct {
	listener SpanLifecycleListener
	id       uint64
}

// Tracer manages span creation and fans completed spans out to its
// registered lifecycle listeners. Safe for concurrent use.
type Tracer struct {
	mu        sync.RWMutex
	listeners []listenerEntry

	nextListenerID uint64
	fallbackID     uint64

	sampler func() bool
	logger  *zap.Logger
}

// TracerOption allows for customizing tracer behavior.
type TracerOption func(*Tracer)

// WithSampler sets the sampling decision function consulted for each new
// root span. Child spans inherit their parent's decision.
func WithSampler(sampler func() bool) TracerOption {
	return func(t *Tracer) {
		if sampler != nil {
			t.sampler = sampler
		}
	}
}

// WithLogger sets the logger used to report listener panics.
func WithLogger(logger *zap.Logger) TracerOption {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracer creates a tracer. By default every span is sampled and listener
// panics are silently discarded.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		sampler: func() bool { return true },
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterListener adds a lifecycle listener and returns a handle that can
// be used to remove it again. Listeners are invoked in registration order.
func (t *Tracer) RegisterListener(l SpanLifecycleListener) uint64 {
	if l == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextListenerID++
	t.listeners = append(t.listeners, listenerEntry{listener: l, id: t.nextListenerID})
	return t.nextListenerID
}

// RemoveListener removes a previously registered listener by its handle.
func (t *Tracer) RemoveListener(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, entry := range t.listeners {
		if entry.id == id {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// SpanOption allows for customizing a span at start time.
type SpanOption func(*Span)

// WithKind sets the span kind.
func WithKind(kind Kind) SpanOption {
	return func(s *Span) {
		s.kind = kind
	}
}

// WithSpanContext sets the span's trace context verbatim, overriding the
// generated identifiers. Used when joining a trace whose identifiers were
// received out of band, e.g. from incoming request headers.
func WithSpanContext(sc SpanContext) SpanOption {
	return func(s *Span) {
		if !sc.Empty() {
			s.ctx = sc
		}
	}
}

// WithTags seeds the span with the provided tags.
func WithTags(tags map[string]string) SpanOption {
	return func(s *Span) {
		for k, v := range tags {
			if s.tags == nil {
				s.tags = make(map[string]string, len(tags))
			}
			s.tags[k] = v
		}
	}
}

// StartSpan starts a span as a child of the context active on the provided
// slot and installs the new span's context on that slot. Finish restores the
// slot to its prior context. A nil slot starts a detached span that leaves
// context propagation to the caller.
func (t *Tracer) StartSpan(slot *Slot, name string, opts ...SpanOption) *Span {
	span := &Span{
		name:   name,
		start:  time.Now(),
		tracer: t,
		slot:   slot,
	}

	var parent SpanContext
	var hasParent bool
	if slot != nil {
		parent, hasParent = slot.Active()
	}
	if hasParent && !parent.Empty() {
		span.ctx = SpanContext{
			TraceID:  parent.TraceID,
			SpanID:   t.newID(8),
			ParentID: parent.SpanID,
			Sampled:  parent.Sampled,
		}
	} else {
		span.ctx = SpanContext{
			TraceID: t.newID(16),
			SpanID:  t.newID(8),
			Sampled: t.sampler(),
		}
	}

	for _, opt := range opts {
		opt(span)
	}

	if slot != nil {
		span.prev, span.hadPrev = slot.Install(span.ctx)
	}

	t.eachListener(func(l SpanLifecycleListener) {
		l.SpanStarted(span)
	})

	return span
}

// spanFinished fans a frozen span out to all registered listeners,
// synchronously on the finishing goroutine.
func (t *Tracer) spanFinished(s *Span) {
	t.eachListener(func(l SpanLifecycleListener) {
		l.SpanCompleted(s)
	})
}

func (t *Tracer) eachListener(fn func(SpanLifecycleListener)) {
	t.mu.RLock()
	if len(t.listeners) == 0 {
		t.mu.RUnlock()
		return
	}
	listeners := make([]listenerEntry, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, entry := range listeners {
		t.safeCall(entry, fn)
	}
}

// safeCall contains listener panics so a misbehaving listener can never
// break the goroutine completing the span.
func (t *Tracer) safeCall(entry listenerEntry, fn func(SpanLifecycleListener)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("span lifecycle listener panicked",
				zap.Uint64("listener", entry.id),
				zap.Any("panic", r))
		}
	}()
	fn(entry.listener)
}

// newID returns a random identifier of n bytes, hex encoded.
func (t *Tracer) newID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand is out; degrade to a time and counter based id so
		// tracing keeps functioning.
		c := atomic.AddUint64(&t.fallbackID, 1)
		v := uint64(time.Now().UnixNano()) + c
		for i := n - 1; i >= 0; i-- {
			buf[i] = byte(v)
			v >>= 8
		}
	}
	return hex.EncodeToString(buf)
}
