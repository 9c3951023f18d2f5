// Package gateway dispatches inbound requests through an explicit ordered
// pipeline: correlation, authentication, rate limiting, route resolution,
// and the circuit-breaker-guarded forward to a backend destination. Each
// stage either passes the request on or writes its own terminal response
// and stops the pipeline.
package gateway

import (
	"net/http"
	"time"

	"github.com/fieldsight/gateway/internal/observability"
	"github.com/fieldsight/gateway/internal/util"
)

// Stage is one step of the dispatch pipeline. Handle returns the request
// to pass to the next stage and whether dispatch continues; a stage that
// returns false has already written the terminal response. The returned
// request is honored even on a terminal outcome so request-scoped context
// survives for access logging.
type Stage interface {
	Name() string
	Handle(w http.ResponseWriter, r *http.Request) (*http.Request, bool)
}

// Dispatcher runs the stages in order and records the request outcome.
type Dispatcher struct {
	stages  []Stage
	logger  observability.Logger
	metrics *observability.Metrics
	perf    *observability.PerfTracker
}

// NewDispatcher creates a dispatcher over the given stages.
func NewDispatcher(stages []Stage, logger observability.Logger, metrics *observability.Metrics, perf *observability.PerfTracker) *Dispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Dispatcher{
		stages:  stages,
		logger:  logger,
		metrics: metrics,
		perf:    perf,
	}
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cw := util.NewStatusCapturingResponseWriter(w)

	if d.metrics != nil {
		d.metrics.RequestStarted()
		defer d.metrics.RequestFinished()
	}

	for _, stage := range d.stages {
		next, ok := stage.Handle(cw, r)
		if next != nil {
			r = next
		}
		if !ok {
			break
		}
	}

	duration := time.Since(start)
	route := observability.RouteFromContext(r.Context())

	if d.metrics != nil {
		d.metrics.RecordRequest(r.Method, route, cw.StatusCode, duration)
	}
	if d.perf != nil {
		d.perf.Record(cw.StatusCode, duration)
	}

	d.logger.WithContext(r.Context()).Info("request completed",
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.Int("status", cw.StatusCode),
		observability.Int64("bytes", cw.BytesWritten),
		observability.Duration("duration", duration),
	)
}
