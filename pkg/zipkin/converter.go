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

// Package zipkin implements the spanbridge export pipeline: converting
// finished spans into Zipkin's wire model and shipping them to a Zipkin
// compatible collector.
package zipkin

import (
	"strconv"
	"strings"

	"github.com/openzipkin/zipkin-go/model"

	"github.com/basvanbeek/spanbridge/pkg"
	"github.com/basvanbeek/spanbridge/pkg/trace"
)

// UnknownServiceName is the local endpoint service name used when no service
// name has been configured.
const UnknownServiceName = "unknown"

// conversion errors
const (
	ErrMissingTraceID pkg.Error = "span has no usable trace id"
	ErrMissingSpanID  pkg.Error = "span has no usable span id"
)

// SpanConverter converts a finished span into Zipkin's wire model. Convert
// must be free of side effects and is expected to produce a best-effort
// record from whatever the span carries; it only fails when a required
// identifier is absent, in which case the span is dropped by the caller.
type SpanConverter interface {
	Convert(span *trace.Span, localEndpoint *model.Endpoint) (model.SpanModel, error)
}

// DefaultConverter is the built-in SpanConverter implementation.
type DefaultConverter struct{}

var _ SpanConverter = (*DefaultConverter)(nil)

// Convert implements SpanConverter.
func (DefaultConverter) Convert(span *trace.Span, localEndpoint *model.Endpoint) (model.SpanModel, error) {
	sc := span.Context()

	traceID, err := parseTraceID(sc.TraceID)
	if err != nil {
		return model.SpanModel{}, err
	}
	spanID, err := parseSpanID(sc.SpanID)
	if err != nil {
		return model.SpanModel{}, err
	}

	sampled := sc.Sampled
	zs := model.SpanModel{
		SpanContext: model.SpanContext{
			TraceID: traceID,
			ID:      spanID,
			Sampled: &sampled,
		},
		Name:          span.Name(),
		Kind:          convertKind(span.Kind()),
		Timestamp:     span.Start(),
		Duration:      span.Duration(),
		LocalEndpoint: localEndpoint,
		Tags:          span.Tags(),
		Annotations:   convertAnnotations(span.Annotations()),
	}

	// A malformed parent id yields a root span rather than a dropped one.
	if parentID, err := parseSpanID(sc.ParentID); err == nil {
		pid := parentID
		zs.ParentID = &pid
	}

	return zs, nil
}

func convertKind(kind trace.Kind) model.Kind {
	switch kind {
	case trace.KindServer:
		return model.Server
	case trace.KindClient:
		return model.Client
	case trace.KindProducer:
		return model.Producer
	case trace.KindConsumer:
		return model.Consumer
	default:
		// KindLocal and internal-only kinds have no Zipkin equivalent.
		return model.Undetermined
	}
}

func convertAnnotations(annotations []trace.Annotation) []model.Annotation {
	if len(annotations) == 0 {
		return nil
	}
	out := make([]model.Annotation, 0, len(annotations))
	for _, a := range annotations {
		out = append(out, model.Annotation{Timestamp: a.Timestamp, Value: a.Value})
	}
	return out
}

// parseTraceID parses a hex trace id of up to 128 bits. Short ids are zero
// padded to the wire width, never truncated.
func parseTraceID(id string) (model.TraceID, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" || len(id) > 32 {
		return model.TraceID{}, ErrMissingTraceID
	}
	if len(id) <= 16 {
		id = pad(id, 16)
	} else {
		id = pad(id, 32)
	}
	traceID, err := model.TraceIDFromHex(id)
	if err != nil {
		return model.TraceID{}, ErrMissingTraceID
	}
	return traceID, nil
}

// parseSpanID parses a hex span id of up to 64 bits, zero padding short ids.
func parseSpanID(id string) (model.ID, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" || len(id) > 16 {
		return 0, ErrMissingSpanID
	}
	v, err := strconv.ParseUint(pad(id, 16), 16, 64)
	if err != nil {
		return 0, ErrMissingSpanID
	}
	return model.ID(v), nil
}

func pad(id string, width int) string {
	if len(id) >= width {
		return id
	}
	return strings.Repeat("0", width-len(id)) + id
}
