// Package buffer keeps a bounded in-memory window of recent raw readings
// per device for fast windowed aggregation that never touches the store.
package buffer

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/savegress/gridsense/pkg/models"
)

// ErrNoData is returned when a window contains no samples.
var ErrNoData = errors.New("no data in window")

// Sample is one buffered power observation.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Aggregate bundles the windowed statistics of a device buffer.
type Aggregate struct {
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Sum    float64 `json:"sum"`
	Count  int     `json:"count"`
	StdDev float64 `json:"std_dev"`
}

// ring is a fixed-capacity circular buffer; the oldest sample is evicted
// on overflow.
type ring struct {
	samples []Sample
	head    int
	size    int
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	r.samples[r.head] = s
	r.head = (r.head + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
}

// ordered returns the samples oldest-first.
func (r *ring) ordered() []Sample {
	out := make([]Sample, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.samples)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.samples[(start+i)%len(r.samples)])
	}
	return out
}

// StreamBuffer holds one bounded ring per device.
type StreamBuffer struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring
}

// New creates a stream buffer with the given per-device capacity.
func New(capacity int) *StreamBuffer {
	if capacity <= 0 {
		capacity = 512
	}
	return &StreamBuffer{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

// Add buffers the power value of a reading.
func (b *StreamBuffer) Add(reading *models.TelemetryReading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[reading.DeviceID]
	if !ok {
		r = newRing(b.capacity)
		b.rings[reading.DeviceID] = r
	}
	r.push(Sample{Timestamp: reading.Timestamp, Value: reading.PowerW})
}

// window returns the device samples newer than the cutoff, oldest-first.
func (b *StreamBuffer) window(deviceID string, windowMinutes int) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rings[deviceID]
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(windowMinutes) * time.Minute)
	var out []Sample
	for _, s := range r.ordered() {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Aggregate computes avg/min/max/sum/count/stddev over the elapsed-time
// window of a device buffer.
func (b *StreamBuffer) Aggregate(deviceID string, windowMinutes int) (Aggregate, error) {
	samples := b.window(deviceID, windowMinutes)
	if len(samples) == 0 {
		return Aggregate{}, ErrNoData
	}
	return aggregateOf(samples), nil
}

// DetectAnomalies flags samples in the 60-minute window whose z-score
// exceeds the threshold.
func (b *StreamBuffer) DetectAnomalies(deviceID string, threshold float64) ([]Sample, error) {
	samples := b.window(deviceID, 60)
	if len(samples) < 2 {
		return nil, ErrNoData
	}

	agg := aggregateOf(samples)
	if agg.StdDev == 0 {
		return nil, nil
	}

	var out []Sample
	for _, s := range samples {
		if math.Abs(s.Value-agg.Avg)/agg.StdDev > threshold {
			out = append(out, s)
		}
	}
	return out, nil
}

// DetectPeaks returns the samples in the window exceeding avg + stddev.
func (b *StreamBuffer) DetectPeaks(deviceID string, windowMinutes int) ([]Sample, error) {
	samples := b.window(deviceID, windowMinutes)
	if len(samples) == 0 {
		return nil, ErrNoData
	}

	agg := aggregateOf(samples)
	limit := agg.Avg + agg.StdDev

	var out []Sample
	for _, s := range samples {
		if s.Value > limit {
			out = append(out, s)
		}
	}
	return out, nil
}

// Compress keeps every ratio-th sample of a device buffer, a cheap stride
// decimation for long-term storage.
func (b *StreamBuffer) Compress(deviceID string, ratio int) []Sample {
	if ratio <= 1 {
		ratio = 1
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rings[deviceID]
	if !ok {
		return nil
	}

	var out []Sample
	for i, s := range r.ordered() {
		if i%ratio == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Size returns the number of buffered samples for a device.
func (b *StreamBuffer) Size(deviceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rings[deviceID]; ok {
		return r.size
	}
	return 0
}

func aggregateOf(samples []Sample) Aggregate {
	agg := Aggregate{
		Min:   samples[0].Value,
		Max:   samples[0].Value,
		Count: len(samples),
	}
	for _, s := range samples {
		agg.Sum += s.Value
		if s.Value < agg.Min {
			agg.Min = s.Value
		}
		if s.Value > agg.Max {
			agg.Max = s.Value
		}
	}
	agg.Avg = agg.Sum / float64(agg.Count)

	var sumSquares float64
	for _, s := range samples {
		diff := s.Value - agg.Avg
		sumSquares += diff * diff
	}
	agg.StdDev = math.Sqrt(sumSquares / float64(agg.Count))
	return agg
}
