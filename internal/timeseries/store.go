// Package timeseries provides the indexed in-memory time-series store and
// the derived analytics computed over it.
package timeseries

import (
	"sort"
	"sync"
	"time"
)

// Record is a single scalar metric sample derived from a telemetry reading.
// Records are immutable once inserted.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	DeviceID  string            `json:"device_id"`
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// SeriesKey identifies one (device, metric) series in the index.
type SeriesKey struct {
	DeviceID string
	Metric   string
}

// Store is an append-only log of records with a secondary index mapping
// each (device, metric) series to its log positions. Inserts are amortized
// O(1); queries are an index lookup plus a linear timestamp filter.
type Store struct {
	mu    sync.RWMutex
	log   []Record
	index map[SeriesKey][]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		index: make(map[SeriesKey][]int),
	}
}

// Insert appends a record to the log and updates the series index.
func (s *Store) Insert(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := len(s.log)
	s.log = append(s.log, rec)

	key := SeriesKey{DeviceID: rec.DeviceID, Metric: rec.Metric}
	s.index[key] = append(s.index[key], pos)
}

// Query returns the records for a series whose timestamps fall inside
// [start, end], in insertion order.
func (s *Store) Query(deviceID, metric string, start, end time.Time) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := s.index[SeriesKey{DeviceID: deviceID, Metric: metric}]
	var out []Record
	for _, pos := range positions {
		rec := s.log[pos]
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// QueryAll returns every record for a device across all metrics, in
// insertion order. Used by the power-quality analytics which need several
// metrics at once.
func (s *Store) QueryAll(deviceID string, start, end time.Time) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for key, positions := range s.index {
		if key.DeviceID != deviceID {
			continue
		}
		for _, pos := range positions {
			rec := s.log[pos]
			if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
				continue
			}
			out = append(out, rec)
		}
	}
	// Records from different series interleave; restore log order.
	sortRecordsByInsertion(out)
	return out
}

// Len returns the number of records in the log.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// Series returns the record set of a single metric for a device without a
// time bound.
func (s *Store) Series(deviceID, metric string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := s.index[SeriesKey{DeviceID: deviceID, Metric: metric}]
	out := make([]Record, 0, len(positions))
	for _, pos := range positions {
		out = append(out, s.log[pos])
	}
	return out
}

// Devices returns the distinct device IDs present in the index.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for key := range s.index {
		if !seen[key.DeviceID] {
			seen[key.DeviceID] = true
			out = append(out, key.DeviceID)
		}
	}
	return out
}

// ApplyRetention drops records older than now minus the given number of
// days and rebuilds the index from the surviving log.
func (s *Store) ApplyRetention(days int) int {
	cutoff := time.Now().AddDate(0, 0, -days)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]Record, 0, len(s.log))
	for _, rec := range s.log {
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	dropped := len(s.log) - len(kept)
	if dropped == 0 {
		return 0
	}

	s.log = kept
	s.index = make(map[SeriesKey][]int, len(s.index))
	for pos, rec := range s.log {
		key := SeriesKey{DeviceID: rec.DeviceID, Metric: rec.Metric}
		s.index[key] = append(s.index[key], pos)
	}
	return dropped
}

// Snapshot returns a copy of the full log, used by the write-behind flush
// on shutdown.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.log))
	copy(out, s.log)
	return out
}

// sortRecordsByInsertion sorts by timestamp, stably, so records sharing a
// timestamp keep their per-series insertion order.
func sortRecordsByInsertion(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}
