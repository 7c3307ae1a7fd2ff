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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/signal"
	"go.uber.org/zap"

	"github.com/basvanbeek/spanbridge/internal/service"
	"github.com/basvanbeek/spanbridge/pkg/executor"
	pkghttp "github.com/basvanbeek/spanbridge/pkg/http"
	"github.com/basvanbeek/spanbridge/pkg/trace"
	pkgzipkin "github.com/basvanbeek/spanbridge/pkg/zipkin"
)

const (
	defaultServiceName       = "spanbridge"
	defaultHTTPListenAddress = ":8000"

	defaultZipkinAddress = "http://zipkin.istio-system.svc.cluster.local:9411"
)

func main() {
	// we take the serviceName from an environment variable as we need
	// this information to be available prior to run.Group bootstrap.
	serviceName := os.Getenv("SVCNAME")
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("unable to initialize logger: %v\n", err)
		os.Exit(-1)
	}
	defer logger.Sync() // nolint: errcheck

	g := run.Group{
		Name:     serviceName,
		HelpText: "HTTP service demoing the spanbridge export pipeline",
	}

	tracer := trace.NewTracer(trace.WithLogger(logger))

	// init with sensible defaults
	svcZipkin := &pkgzipkin.Service{
		Tracer:      tracer,
		Servicename: serviceName,
		Address:     defaultZipkinAddress,
		Logger:      logger,
	}
	pool := &executor.Pool{
		Logger: logger,
	}
	svcEndpoints := &service.Endpoints{
		ServiceName: serviceName,
		Tracer:      tracer,
		// decorate exactly once so tasks inherit the submitting
		// goroutine's trace context
		Exec:   executor.WithTracing(pool),
		Logger: logger,
	}
	svcHTTP := &pkghttp.Service{
		ListenAddress: defaultHTTPListenAddress,
		Logger:        logger,
	}
	g.Register(
		new(signal.Handler),
		svcZipkin,
		pool,
		svcEndpoints,
		svcHTTP,
		run.NewPreRunner(serviceName, func() error {
			svcHTTP.Handler = svcEndpoints.Handler()
			return nil
		}),
	)

	if err := g.Run(); err != nil {
		fmt.Printf("%s exit: %v\n", g.Name, err)
		if !errors.Is(err, run.ErrRequestedShutdown) {
			// We had an actual fatal error.
			os.Exit(-1)
		}
	}
}
