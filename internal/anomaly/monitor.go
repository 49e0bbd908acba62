package anomaly

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/savegress/gridsense/internal/timeseries"
	"github.com/savegress/gridsense/pkg/models"
)

// Publisher receives anomalies as they are detected. The realtime hub is
// the production implementation.
type Publisher interface {
	BroadcastAnomaly(siteID string, anomaly interface{})
}

// Monitor periodically runs the detector over each device's recent power
// series and publishes newly found anomalies. Each anomaly timestamp is
// published at most once per device.
type Monitor struct {
	store     *timeseries.Store
	detector  *Detector
	publisher Publisher
	logger    *zap.Logger

	interval time.Duration
	lookback time.Duration
	now      func() time.Time

	mu        sync.Mutex
	published map[string]time.Time // per device, newest anomaly already sent
}

// NewMonitor creates a monitor scanning every minute over a one-hour
// window.
func NewMonitor(store *timeseries.Store, detector *Detector, publisher Publisher, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:     store,
		detector:  detector,
		publisher: publisher,
		logger:    logger,
		interval:  time.Minute,
		lookback:  time.Hour,
		now:       time.Now,
		published: make(map[string]time.Time),
	}
}

// Run scans on the monitor's interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan()
		}
	}
}

// Scan runs one detection pass over every device and returns the number
// of anomalies published.
func (m *Monitor) Scan() int {
	now := m.now()
	from := now.Add(-m.lookback)

	sent := 0
	for _, deviceID := range m.store.Devices() {
		records := m.store.Query(deviceID, models.MetricPower, from, now)
		if len(records) == 0 {
			continue
		}
		siteID := records[len(records)-1].Tags["site_id"]

		m.mu.Lock()
		last := m.published[deviceID]
		m.mu.Unlock()

		newest := last
		for _, a := range m.detector.Detect(records) {
			if !a.Timestamp.After(last) {
				continue
			}
			m.publisher.BroadcastAnomaly(siteID, a)
			sent++
			if a.Timestamp.After(newest) {
				newest = a.Timestamp
			}
		}

		if newest.After(last) {
			m.mu.Lock()
			m.published[deviceID] = newest
			m.mu.Unlock()
		}
	}

	if sent > 0 {
		m.logger.Info("published anomalies", zap.Int("count", sent))
	}
	return sent
}
