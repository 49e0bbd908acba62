// Package gateway is the single entry point for telemetry readings:
// validation, per-device rate limiting and fan-out to the downstream
// sinks.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/savegress/gridsense/pkg/models"
)

// Sink is one downstream consumer of accepted readings.
type Sink interface {
	Name() string
	Write(ctx context.Context, reading *models.TelemetryReading) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, reading *models.TelemetryReading) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Write(ctx context.Context, reading *models.TelemetryReading) error {
	return s.Fn(ctx, reading)
}

// Drop reasons recorded on rejected readings.
const (
	ReasonMalformed   = "malformed"
	ReasonRateLimited = "rate_limited"
)

// SinkOutcome is the result of one sink write during fan-out.
type SinkOutcome struct {
	Sink string
	Err  error
}

// FanoutResult records what happened to one inbound reading. A rejected
// reading carries a drop reason and no outcomes; an accepted reading
// carries one outcome per sink, failed sinks included.
type FanoutResult struct {
	DeviceID   string
	Accepted   bool
	DropReason string
	Outcomes   []SinkOutcome
}

// Failed returns the outcomes whose sink write errored.
func (r FanoutResult) Failed() []SinkOutcome {
	var out []SinkOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Gateway validates, rate-limits and fans readings out to its sinks.
type Gateway struct {
	sinks   []Sink
	limiter *RateLimiter
	metrics *Metrics
	logger  *zap.Logger
}

// New creates a gateway over the given sinks.
func New(sinks []Sink, limiter *RateLimiter, metrics *Metrics, logger *zap.Logger) *Gateway {
	return &Gateway{
		sinks:   sinks,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
}

// Ingest processes one inbound reading. Malformed and over-budget
// readings are dropped and logged; no backpressure reaches the
// producer. Sink writes run concurrently and fail independently, so a
// broken sink never blocks the others.
func (g *Gateway) Ingest(ctx context.Context, reading *models.TelemetryReading) FanoutResult {
	if err := reading.Validate(); err != nil {
		g.metrics.Malformed.Inc()
		g.logger.Warn("dropping malformed reading",
			zap.String("device_id", reading.DeviceID),
			zap.Error(err),
		)
		return FanoutResult{DeviceID: reading.DeviceID, DropReason: ReasonMalformed}
	}

	if !g.limiter.Allow(reading.DeviceID) {
		g.metrics.RateLimited.Inc()
		g.logger.Warn("shedding reading over device rate limit",
			zap.String("device_id", reading.DeviceID),
		)
		return FanoutResult{DeviceID: reading.DeviceID, DropReason: ReasonRateLimited}
	}

	g.metrics.Accepted.Inc()

	outcomes := make([]SinkOutcome, len(g.sinks))
	var wg sync.WaitGroup
	for i, sink := range g.sinks {
		wg.Add(1)
		go func(i int, sink Sink) {
			defer wg.Done()
			err := sink.Write(ctx, reading)
			outcomes[i] = SinkOutcome{Sink: sink.Name(), Err: err}
			if err != nil {
				g.metrics.SinkErrors.WithLabelValues(sink.Name()).Inc()
				g.logger.Error("sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("device_id", reading.DeviceID),
					zap.Error(err),
				)
			}
		}(i, sink)
	}
	wg.Wait()

	return FanoutResult{DeviceID: reading.DeviceID, Accepted: true, Outcomes: outcomes}
}

// SweepLimiter evicts rate-limit state for devices that stopped
// sending, called from a periodic task.
func (g *Gateway) SweepLimiter() {
	g.limiter.Sweep()
}
