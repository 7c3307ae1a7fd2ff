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

// Package pkg holds shared primitives used by the different spanbridge
// packages.
package pkg

import "errors"

// Error allows for creating constant errors instead of sentinel ones.
type Error string

// Error implements error.
func (e Error) Error() string {
	return string(e)
}

// error constants
const (
	ErrRequired Error = "required value"

	// FlagErr is the formatting string used for flag validation errors.
	FlagErr = "invalid flag --%s: %w"
)

// HasError tests if the provided error or one of its wrapped or aggregated
// errors matches the provided target. Next to the standard library wrapping
// conventions it understands multierror aggregates as produced by the
// hashicorp and tetratelabs multierror packages.
func HasError(err, target error) bool {
	if err == nil {
		return target == nil
	}
	if target == nil {
		return false
	}
	if errors.Is(err, target) {
		return true
	}
	var agg interface{ WrappedErrors() []error }
	if errors.As(err, &agg) {
		for _, werr := range agg.WrappedErrors() {
			if HasError(werr, target) {
				return true
			}
		}
	}
	return false
}
