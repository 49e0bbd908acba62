package gateway

import (
	"context"

	"github.com/savegress/gridsense/internal/automation"
	"github.com/savegress/gridsense/internal/buffer"
	"github.com/savegress/gridsense/internal/cache"
	"github.com/savegress/gridsense/internal/realtime"
	"github.com/savegress/gridsense/internal/timeseries"
	"github.com/savegress/gridsense/pkg/models"
)

// StoreSink writes the reading into the time-series store and the hot
// stream buffer.
type StoreSink struct {
	Store  *timeseries.Store
	Buffer *buffer.StreamBuffer
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(_ context.Context, reading *models.TelemetryReading) error {
	for _, rec := range recordsFrom(reading) {
		s.Store.Insert(rec)
	}
	if s.Buffer != nil {
		s.Buffer.Add(reading)
	}
	return nil
}

// recordsFrom expands a reading into one record per present metric.
func recordsFrom(reading *models.TelemetryReading) []timeseries.Record {
	tags := map[string]string{"site_id": reading.SiteID}
	records := []timeseries.Record{{
		Timestamp: reading.Timestamp,
		DeviceID:  reading.DeviceID,
		Metric:    models.MetricPower,
		Value:     reading.PowerW,
		Tags:      tags,
	}}

	optional := []struct {
		metric string
		value  *float64
	}{
		{models.MetricVoltage, reading.VoltageV},
		{models.MetricCurrent, reading.CurrentA},
		{models.MetricEnergy, reading.EnergyWh},
		{models.MetricPowerFactor, reading.PowerFactor},
		{models.MetricFrequency, reading.FrequencyHz},
	}
	for _, opt := range optional {
		if opt.value == nil {
			continue
		}
		records = append(records, timeseries.Record{
			Timestamp: reading.Timestamp,
			DeviceID:  reading.DeviceID,
			Metric:    opt.metric,
			Value:     *opt.value,
			Tags:      tags,
		})
	}
	return records
}

// CacheSink upserts the latest-value key and the site's recent list.
type CacheSink struct {
	Cache *cache.Client
}

func (s *CacheSink) Name() string { return "cache" }

func (s *CacheSink) Write(ctx context.Context, reading *models.TelemetryReading) error {
	if err := s.Cache.SetLatest(ctx, reading); err != nil {
		return err
	}
	return s.Cache.PushRecent(ctx, reading)
}

// QueueSink pushes the reading onto the analytics stream.
type QueueSink struct {
	Cache *cache.Client
}

func (s *QueueSink) Name() string { return "queue" }

func (s *QueueSink) Write(ctx context.Context, reading *models.TelemetryReading) error {
	return s.Cache.EnqueueAnalytics(ctx, reading)
}

// BroadcastSink pushes the reading to live WebSocket subscribers.
type BroadcastSink struct {
	Hub *realtime.Hub
}

func (s *BroadcastSink) Name() string { return "realtime" }

func (s *BroadcastSink) Write(_ context.Context, reading *models.TelemetryReading) error {
	s.Hub.BroadcastTelemetry(reading.SiteID, reading)
	return nil
}

// AutomationSink evaluates the rule engine against the reading and
// broadcasts any fired events.
type AutomationSink struct {
	Engine *automation.Engine
	Hub    *realtime.Hub
}

func (s *AutomationSink) Name() string { return "automation" }

func (s *AutomationSink) Write(ctx context.Context, reading *models.TelemetryReading) error {
	events := s.Engine.EvaluateReading(ctx, reading)
	if s.Hub != nil {
		for _, event := range events {
			s.Hub.BroadcastAutomation(reading.SiteID, event)
		}
	}
	return nil
}
