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

package zipkin

import (
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter"
	"go.uber.org/zap"

	"github.com/basvanbeek/spanbridge/pkg/trace"
)

// LifecycleListener converts finished spans to the Zipkin wire model and
// hands them to a reporter. Both hooks run synchronously on the goroutine
// completing the span, so the listener itself never blocks; all slow work is
// owned by the reporter's background delivery path.
type LifecycleListener struct {
	localEndpoint *model.Endpoint
	converter     SpanConverter
	reporter      reporter.Reporter
	defaultTags   map[string]string
	logger        *zap.Logger
}

var _ trace.SpanLifecycleListener = (*LifecycleListener)(nil)

// ListenerOption allows for customizing the LifecycleListener.
type ListenerOption func(*LifecycleListener)

// WithListenerTags sets tags added to every exported span. Tags set on the
// span itself take precedence.
func WithListenerTags(tags map[string]string) ListenerOption {
	return func(l *LifecycleListener) {
		l.defaultTags = tags
	}
}

// WithListenerLogger sets the logger used for dropped span signals.
func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(l *LifecycleListener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLifecycleListener returns a listener exporting spans under the provided
// service name. An empty service name falls back to the "unknown" sentinel;
// a nil converter falls back to the built-in DefaultConverter. The reporter
// is required.
func NewLifecycleListener(serviceName string, converter SpanConverter, rep reporter.Reporter, opts ...ListenerOption) *LifecycleListener {
	if serviceName == "" {
		serviceName = UnknownServiceName
	}
	if converter == nil {
		converter = DefaultConverter{}
	}
	l := &LifecycleListener{
		localEndpoint: &model.Endpoint{ServiceName: serviceName},
		converter:     converter,
		reporter:      rep,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SpanStarted implements trace.SpanLifecycleListener. Export happens at
// completion, so this is a no-op.
func (l *LifecycleListener) SpanStarted(*trace.Span) {}

// SpanCompleted implements trace.SpanLifecycleListener.
func (l *LifecycleListener) SpanCompleted(span *trace.Span) {
	if !span.Context().Sampled {
		return
	}
	zs, err := l.converter.Convert(span, l.localEndpoint)
	if err != nil {
		// fail closed: drop the span instead of exporting a malformed record
		l.logger.Debug("dropping unconvertible span",
			zap.String("name", span.Name()),
			zap.Error(err))
		return
	}
	for k, v := range l.defaultTags {
		if _, ok := zs.Tags[k]; !ok {
			if zs.Tags == nil {
				zs.Tags = make(map[string]string, len(l.defaultTags))
			}
			zs.Tags[k] = v
		}
	}
	l.reporter.Send(zs)
}
