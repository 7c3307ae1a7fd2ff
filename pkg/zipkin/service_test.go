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

package zipkin_test

import (
	"testing"

	"github.com/basvanbeek/spanbridge/pkg/trace"
	"github.com/basvanbeek/spanbridge/pkg/zipkin"
)

func TestServiceRegistrationGating(t *testing.T) {
	tests := []struct {
		name    string
		address string
		off     bool
		active  bool
	}{
		{"no base url", "", false, false},
		{"disabled", "http://zipkin:9411", true, false},
		{"configured", "http://zipkin:9411", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &captureReporter{}
			tracer := trace.NewTracer()
			svc := &zipkin.Service{
				Tracer:    tracer,
				Address:   tt.address,
				ExportOff: tt.off,
				Reporter:  rep,
			}
			svc.FlagSet()
			if err := svc.Validate(); err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
			if err := svc.PreRun(); err != nil {
				t.Fatalf("unexpected prerun error: %v", err)
			}
			if svc.Active() != tt.active {
				t.Fatalf("expected active=%t, got %t", tt.active, svc.Active())
			}

			tracer.StartSpan(nil, "op",
				trace.WithSpanContext(trace.SpanContext{TraceID: "01", SpanID: "02", Sampled: true})).Finish()

			exported := len(rep.sent())
			if tt.active && exported != 1 {
				t.Fatalf("expected 1 exported span, got %d", exported)
			}
			if !tt.active && exported != 0 {
				// skipped registration must be end-to-end: report is never invoked
				t.Fatalf("expected no exported spans, got %d", exported)
			}
		})
	}
}

func TestServiceReporterOverrideOwnership(t *testing.T) {
	rep := &captureReporter{}
	tracer := trace.NewTracer()
	svc := &zipkin.Service{
		Tracer:   tracer,
		Address:  "http://zipkin:9411",
		Reporter: rep,
	}
	svc.FlagSet()
	if err := svc.PreRun(); err != nil {
		t.Fatalf("unexpected prerun error: %v", err)
	}
	if svc.Reporter != rep {
		t.Fatal("expected the injected reporter to be kept")
	}
	svc.GracefulStop()

	// the injected reporter stays usable after stop: the service does not
	// own its lifecycle
	tracer.StartSpan(nil, "op").Finish()
}

func TestServiceConverterOverride(t *testing.T) {
	rep := &captureReporter{}
	tracer := trace.NewTracer()
	svc := &zipkin.Service{
		Tracer:    tracer,
		Address:   "http://zipkin:9411",
		Reporter:  rep,
		Converter: fixedNameConverter{},
	}
	svc.FlagSet()
	if err := svc.PreRun(); err != nil {
		t.Fatalf("unexpected prerun error: %v", err)
	}

	tracer.StartSpan(nil, "op",
		trace.WithSpanContext(trace.SpanContext{TraceID: "01", SpanID: "02", Sampled: true})).Finish()

	sent := rep.sent()
	if len(sent) != 1 || sent[0].Name != "overridden" {
		t.Fatalf("expected injected converter to be used, got %+v", sent)
	}
}

func TestServiceDeregistersOnStop(t *testing.T) {
	rep := &captureReporter{}
	tracer := trace.NewTracer()
	svc := &zipkin.Service{
		Tracer:   tracer,
		Address:  "http://zipkin:9411",
		Reporter: rep,
	}
	svc.FlagSet()
	if err := svc.PreRun(); err != nil {
		t.Fatalf("unexpected prerun error: %v", err)
	}
	go svc.Serve() // nolint: errcheck
	svc.GracefulStop()

	tracer.StartSpan(nil, "op",
		trace.WithSpanContext(trace.SpanContext{TraceID: "01", SpanID: "02", Sampled: true})).Finish()

	if len(rep.sent()) != 0 {
		t.Fatalf("expected no exports after stop, got %d", len(rep.sent()))
	}
}

func TestServiceValidate(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{"empty address is fine", "", false},
		{"valid http", "http://zipkin:9411", false},
		{"valid https", "https://zipkin.example.com", false},
		{"bad scheme", "ftp://zipkin:9411", true},
		{"garbage", "http://zipkin:9411:extra:%", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &zipkin.Service{Tracer: trace.NewTracer(), Address: tt.address}
			svc.FlagSet()
			err := svc.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
