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
	"bytes"
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// reporter defaults
const (
	defaultBatchInterval   = 1 * time.Second
	defaultBatchSize       = 100
	defaultMaxBacklog      = 1000
	defaultMaxRetries      = 3
	defaultRetryBackoff    = 100 * time.Millisecond
	defaultRequestTimeout  = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// HTTPReporter is a batching Zipkin span reporter. Send enqueues and returns
// immediately; a background goroutine batches the backlog and POSTs it to the
// collector, retrying failed deliveries with exponential backoff before
// dropping the batch. It satisfies the zipkin-go reporter.Reporter contract
// so it can be swapped for any other implementation of that interface.
type HTTPReporter struct {
	url        string
	client     *http.Client
	clock      clock.Clock
	serializer reporter.SpanSerializer
	logger     *zap.Logger

	batchInterval   time.Duration
	batchSize       int
	maxBacklog      int
	maxRetries      int
	retryBackoff    time.Duration
	requestTimeout  time.Duration
	shutdownTimeout time.Duration

	mu      sync.Mutex
	backlog []*model.SpanModel

	batchReady chan struct{}
	flushReq   chan chan error
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	spansDropped uint64
}

var _ reporter.Reporter = (*HTTPReporter)(nil)

// ReporterOption allows for customizing the HTTPReporter.
type ReporterOption func(*HTTPReporter)

// WithHTTPClient sets the http.Client used to reach the collector.
func WithHTTPClient(client *http.Client) ReporterOption {
	return func(r *HTTPReporter) {
		if client != nil {
			r.client = client
		}
	}
}

// WithBatchInterval sets the maximum duration spans linger in the backlog
// before a delivery attempt.
func WithBatchInterval(d time.Duration) ReporterOption {
	return func(r *HTTPReporter) {
		if d > 0 {
			r.batchInterval = d
		}
	}
}

// WithBatchSize sets the backlog size that triggers an immediate delivery.
func WithBatchSize(n int) ReporterOption {
	return func(r *HTTPReporter) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxBacklog bounds the backlog; the oldest spans are dropped on
// overflow so Send never blocks the calling goroutine.
func WithMaxBacklog(n int) ReporterOption {
	return func(r *HTTPReporter) {
		if n > 0 {
			r.maxBacklog = n
		}
	}
}

// WithMaxRetries sets how often a failed delivery is retried before the
// batch is dropped.
func WithMaxRetries(n int) ReporterOption {
	return func(r *HTTPReporter) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base backoff between delivery retries; the
// backoff doubles with each failed attempt.
func WithRetryBackoff(d time.Duration) ReporterOption {
	return func(r *HTTPReporter) {
		if d > 0 {
			r.retryBackoff = d
		}
	}
}

// WithRequestTimeout bounds a single delivery request.
func WithRequestTimeout(d time.Duration) ReporterOption {
	return func(r *HTTPReporter) {
		if d > 0 {
			r.requestTimeout = d
		}
	}
}

// WithShutdownTimeout bounds the final flush performed by Close. Spans still
// unresolved when it expires are discarded.
func WithShutdownTimeout(d time.Duration) ReporterOption {
	return func(r *HTTPReporter) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// WithSerializer sets the wire encoding used for delivery.
func WithSerializer(s reporter.SpanSerializer) ReporterOption {
	return func(r *HTTPReporter) {
		if s != nil {
			r.serializer = s
		}
	}
}

// WithReporterLogger sets the logger used for delivery failure signals.
func WithReporterLogger(logger *zap.Logger) ReporterOption {
	return func(r *HTTPReporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock sets the clock driving the batch interval. Used by tests.
func WithClock(c clock.Clock) ReporterOption {
	return func(r *HTTPReporter) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewHTTPReporter returns a started HTTPReporter shipping spans to the
// provided collector spans endpoint url.
func NewHTTPReporter(url string, opts ...ReporterOption) *HTTPReporter {
	r := &HTTPReporter{
		url:             url,
		client:          &http.Client{},
		clock:           clock.New(),
		serializer:      reporter.JSONSerializer{},
		logger:          zap.NewNop(),
		batchInterval:   defaultBatchInterval,
		batchSize:       defaultBatchSize,
		maxBacklog:      defaultMaxBacklog,
		maxRetries:      defaultMaxRetries,
		retryBackoff:    defaultRetryBackoff,
		requestTimeout:  defaultRequestTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		batchReady:      make(chan struct{}, 1),
		flushReq:        make(chan chan error),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.loop()

	return r
}

// Send implements reporter.Reporter. It enqueues the span and returns
// immediately; on a full backlog the oldest span is dropped.
func (r *HTTPReporter) Send(s model.SpanModel) {
	r.mu.Lock()
	if len(r.backlog) >= r.maxBacklog {
		r.backlog = r.backlog[1:]
		atomic.AddUint64(&r.spansDropped, 1)
	}
	span := s
	r.backlog = append(r.backlog, &span)
	ready := len(r.backlog) >= r.batchSize
	r.mu.Unlock()

	if ready {
		select {
		case r.batchReady <- struct{}{}:
		default:
		}
	}
}

// Flush forces an immediate delivery attempt of the current backlog and
// waits for its outcome.
func (r *HTTPReporter) Flush() error {
	res := make(chan error, 1)
	select {
	case r.flushReq <- res:
		return <-res
	case <-r.done:
		return errors.New("reporter closed")
	}
}

// SpansDropped returns the number of spans dropped due to backlog overflow
// or exhausted delivery retries.
func (r *HTTPReporter) SpansDropped() uint64 {
	return atomic.LoadUint64(&r.spansDropped)
}

// Close implements reporter.Reporter. It attempts a final best-effort flush
// bounded by the shutdown timeout and discards whatever remains.
func (r *HTTPReporter) Close() error {
	r.closeOnce.Do(func() {
		close(r.quit)
	})
	select {
	case <-r.done:
	case <-time.After(r.shutdownTimeout + r.requestTimeout):
	}
	return nil
}

func (r *HTTPReporter) loop() {
	defer close(r.done)

	ticker := r.clock.Ticker(r.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = r.deliverBacklog()
		case <-r.batchReady:
			_ = r.deliverBacklog()
		case res := <-r.flushReq:
			res <- r.deliverBacklog()
		case <-r.quit:
			// final best-effort flush, bounded, no retries
			ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
			if batch := r.takeBatch(0); len(batch) > 0 {
				if err := r.post(ctx, batch); err != nil {
					r.dropBatch(batch, err)
				}
			}
			cancel()
			return
		}
	}
}

// deliverBacklog drains the backlog in batches until empty or delivery
// fails past the retry budget.
func (r *HTTPReporter) deliverBacklog() error {
	for {
		batch := r.takeBatch(r.batchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := r.deliver(batch); err != nil {
			r.dropBatch(batch, err)
			return err
		}
	}
}

// takeBatch removes up to n spans from the backlog; n <= 0 takes everything.
func (r *HTTPReporter) takeBatch(n int) []*model.SpanModel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.backlog) {
		n = len(r.backlog)
	}
	if n == 0 {
		return nil
	}
	batch := make([]*model.SpanModel, n)
	copy(batch, r.backlog)
	r.backlog = r.backlog[n:]
	return batch
}

// deliver posts a batch, retrying with exponential backoff up to the
// configured retry budget.
func (r *HTTPReporter) deliver(batch []*model.SpanModel) error {
	var (
		err     error
		backoff = r.retryBackoff
	)
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-r.clock.After(backoff):
				backoff *= 2
			case <-r.quit:
				return err
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.requestTimeout)
		err = r.post(ctx, batch)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (r *HTTPReporter) post(ctx context.Context, batch []*model.SpanModel) error {
	body, err := r.serializer.Serialize(batch)
	if err != nil {
		return errors.Wrap(err, "failed to serialize spans")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create collector request")
	}
	req.Header.Set("Content-Type", r.serializer.ContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to reach collector")
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

// dropBatch surfaces a delivery failure on the observability log channel.
// Span loss never propagates back to application goroutines.
func (r *HTTPReporter) dropBatch(batch []*model.SpanModel, err error) {
	atomic.AddUint64(&r.spansDropped, uint64(len(batch)))
	r.logger.Warn("dropping span batch after failed delivery",
		zap.Int("spans", len(batch)),
		zap.String("collector", r.url),
		zap.Error(err))
}
