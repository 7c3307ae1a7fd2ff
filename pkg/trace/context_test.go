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

package trace_test

import (
	"testing"

	"github.com/basvanbeek/spanbridge/pkg/trace"
)

func TestSlotStartsEmpty(t *testing.T) {
	slot := trace.NewSlot()
	if _, ok := slot.Active(); ok {
		t.Fatal("expected no active context on a fresh slot")
	}
}

func TestSlotInstallRestoreBracket(t *testing.T) {
	slot := trace.NewSlot()
	c1 := trace.SpanContext{TraceID: "01", SpanID: "02", Sampled: true}
	c2 := trace.SpanContext{TraceID: "03", SpanID: "04", Sampled: true}

	prev1, had1 := slot.Install(c1)
	if had1 {
		t.Fatalf("expected empty prior state, got %+v", prev1)
	}
	if active, ok := slot.Active(); !ok || active != c1 {
		t.Fatalf("expected %+v active, got %+v (%t)", c1, active, ok)
	}

	// nested bracket
	prev2, had2 := slot.Install(c2)
	if !had2 || prev2 != c1 {
		t.Fatalf("expected %+v as prior state, got %+v (%t)", c1, prev2, had2)
	}
	slot.Restore(prev2, had2)
	if active, ok := slot.Active(); !ok || active != c1 {
		t.Fatalf("expected %+v restored, got %+v (%t)", c1, active, ok)
	}

	slot.Restore(prev1, had1)
	if _, ok := slot.Active(); ok {
		t.Fatal("expected slot to be empty after closing the outer bracket")
	}
}

func TestSlotClear(t *testing.T) {
	slot := trace.NewSlot()
	c := trace.SpanContext{TraceID: "0a", SpanID: "0b"}
	slot.Install(c)

	prev, had := slot.Clear()
	if !had || prev != c {
		t.Fatalf("expected %+v as prior state, got %+v (%t)", c, prev, had)
	}
	if _, ok := slot.Active(); ok {
		t.Fatal("expected no active context after Clear")
	}

	slot.Restore(prev, had)
	if active, ok := slot.Active(); !ok || active != c {
		t.Fatalf("expected %+v restored, got %+v (%t)", c, active, ok)
	}
}

func TestSpanContextEmpty(t *testing.T) {
	if !(trace.SpanContext{}).Empty() {
		t.Fatal("zero value must be empty")
	}
	if (trace.SpanContext{TraceID: "01", SpanID: "02"}).Empty() {
		t.Fatal("populated context must not be empty")
	}
}
