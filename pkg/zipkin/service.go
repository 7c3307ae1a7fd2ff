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
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/openzipkin/zipkin-go/reporter"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"
	"go.uber.org/zap"

	"github.com/basvanbeek/spanbridge/pkg"
	"github.com/basvanbeek/spanbridge/pkg/trace"
)

// flags
const (
	BaseURL          = "zipkin-base-url"
	LocalServicename = "zipkin-local-servicename"
	Disabled         = "zipkin-disabled"
	BatchInterval    = "zipkin-batch-interval"
	BatchSize        = "zipkin-batch-size"
	MaxBacklog       = "zipkin-max-backlog"
)

const (
	// spansPath is the Zipkin collector span ingestion path appended to the
	// configured base url.
	spansPath = "/api/v2/spans"

	versionTag = "version"
)

// Service implements a run.GroupService owning the Zipkin export pipeline.
// On PreRun it decides whether a listener should be registered at all: no
// base url (or an explicit disable) means tracing continues locally and
// nothing is exported, which is a policy, not an error. When active, an
// injected Reporter or Converter takes precedence over the defaults built
// from configuration.
type Service struct {
	// Tracer is the tracer the listener attaches to. Required.
	Tracer *trace.Tracer

	Servicename  string
	Address      string
	ExportOff    bool
	BatchWindow  time.Duration
	BatchLen     int
	BacklogLimit int

	// Reporter, when set, overrides the default HTTP reporter.
	Reporter reporter.Reporter
	// Converter, when set, overrides the default span converter.
	Converter SpanConverter
	// Logger receives export pipeline log output.
	Logger *zap.Logger

	listenerHandle uint64
	active         bool
	ownsReporter   bool
	closer         chan error
}

// static compile time run interfaces validation
var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
)

// Name implements run.Unit.
func (s *Service) Name() string {
	return "zipkin"
}

// GroupName implements run.Namer so the exported service name defaults to
// the name of the run.Group if not set before Run.
func (s *Service) GroupName(name string) {
	if s.Servicename == "" {
		s.Servicename = name
	}
}

// Active returns true when PreRun registered the export listener.
func (s *Service) Active() bool {
	return s.active
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	// set defaults if needed
	if s.BatchWindow <= 0 {
		s.BatchWindow = defaultBatchInterval
	}
	if s.BatchLen <= 0 {
		s.BatchLen = defaultBatchSize
	}
	if s.BacklogLimit <= 0 {
		s.BacklogLimit = defaultMaxBacklog
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	flags := run.NewFlagSet("Zipkin export options")

	flags.StringVar(
		&s.Address,
		BaseURL,
		s.Address,
		`Base URL of the Zipkin collector, e.g. "http://zipkin:9411". `+
			`If empty, spans are not exported`)
	flags.StringVar(
		&s.Servicename,
		LocalServicename,
		s.Servicename,
		`Local service name to report, "`+UnknownServiceName+`" if empty`)
	flags.BoolVar(
		&s.ExportOff,
		Disabled,
		s.ExportOff,
		`Disable span export even if a collector base URL is set`)
	flags.DurationVar(
		&s.BatchWindow,
		BatchInterval,
		s.BatchWindow,
		`Maximum time spans may linger before a delivery attempt`)
	flags.IntVar(
		&s.BatchLen,
		BatchSize,
		s.BatchLen,
		`Number of spans triggering an immediate delivery`)
	flags.IntVar(
		&s.BacklogLimit,
		MaxBacklog,
		s.BacklogLimit,
		`Maximum spans held in the reporter backlog before the oldest drop`)

	return flags
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	if s.Address != "" {
		if u, err := url.Parse(s.Address); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, BaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, BaseURL,
				pkg.Error("scheme must be http or https")))
		}
	}
	if s.BatchWindow <= 0 {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, BatchInterval, pkg.ErrRequired))
	}
	if s.BatchLen <= 0 {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, BatchSize, pkg.ErrRequired))
	}
	if s.BacklogLimit < s.BatchLen {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, MaxBacklog,
			pkg.Error("backlog may not be smaller than the batch size")))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (s *Service) PreRun() error {
	if s.Tracer == nil {
		return pkg.Error("missing tracer to attach to")
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	s.closer = make(chan error)

	if s.ExportOff || s.Address == "" {
		// not an error: tracing continues locally, nothing is exported
		s.Logger.Info("zipkin export not configured; span listener not registered")
		return nil
	}

	rep := s.Reporter
	if rep == nil {
		// we create and own our own reporter
		s.ownsReporter = true
		rep = NewHTTPReporter(
			strings.TrimSuffix(s.Address, "/")+spansPath,
			WithBatchInterval(s.BatchWindow),
			WithBatchSize(s.BatchLen),
			WithMaxBacklog(s.BacklogLimit),
			WithReporterLogger(s.Logger),
		)
		s.Reporter = rep
	}

	conv := s.Converter
	if conv == nil {
		conv = DefaultConverter{}
	}

	listener := NewLifecycleListener(
		s.Servicename,
		conv,
		rep,
		WithListenerLogger(s.Logger),
		WithListenerTags(map[string]string{versionTag: version.Parse()}),
	)

	s.listenerHandle = s.Tracer.RegisterListener(listener)
	s.active = true
	s.Logger.Info("zipkin span listener registered",
		zap.String("collector", s.Address),
		zap.String("service", s.Servicename))

	return nil
}

// Serve implements run.GroupService.
func (s *Service) Serve() error {
	return <-s.closer
}

// GracefulStop implements run.GroupService.
func (s *Service) GracefulStop() {
	close(s.closer)
	if s.active {
		s.Tracer.RemoveListener(s.listenerHandle)
		s.active = false
	}
	if s.ownsReporter {
		// we handle the lifecycle of the reporter internally
		_ = s.Reporter.Close() // nolint: errcheck
	}
}
