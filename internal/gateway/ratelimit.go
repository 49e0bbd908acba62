package gateway

import (
	"sync"
	"time"
)

// DefaultDeviceRate is the per-device reading budget within the sliding
// window.
const DefaultDeviceRate = 10

// RateLimiter enforces a sliding one-second window per device. Readings
// over budget are shed, never queued.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing limit readings per device
// per second. A non-positive limit falls back to DefaultDeviceRate.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = DefaultDeviceRate
	}
	return &RateLimiter{
		window: time.Second,
		limit:  limit,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether a reading from the device fits the current
// window, counting it if so.
func (l *RateLimiter) Allow(deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	hits := l.hits[deviceID]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.hits[deviceID] = kept
		return false
	}
	l.hits[deviceID] = append(kept, now)
	return true
}

// Sweep drops devices whose entire window has expired, so the hit map
// tracks active devices rather than lifetime device cardinality.
func (l *RateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for device, hits := range l.hits {
		kept := hits[:0]
		for _, t := range hits {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(l.hits, device)
		} else {
			l.hits[device] = kept
		}
	}
}

// Tracked returns the number of devices with recorded hits. Counters
// are process-local and reset on restart.
func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
