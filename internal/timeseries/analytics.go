package timeseries

import (
	"math"
)

// ProfileGranularity selects the modular grouping for load profiles.
type ProfileGranularity string

const (
	ProfileHourly  ProfileGranularity = "hourly"  // hour of day, 24 buckets
	ProfileWeekly  ProfileGranularity = "weekly"  // day of week, 7 buckets
	ProfileMonthly ProfileGranularity = "monthly" // month of year, 12 buckets
)

// ProfileBucket is one aggregated bucket of a load profile.
type ProfileBucket struct {
	Bucket  int     `json:"bucket"`
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
	Count   int     `json:"count"`
}

// LoadProfile groups power samples by hour of day, day of week or month
// and returns the per-bucket average and count.
func LoadProfile(records []Record, granularity ProfileGranularity) []ProfileBucket {
	size := bucketCount(granularity)
	sums := make([]float64, size)
	peaks := make([]float64, size)
	counts := make([]int, size)

	for _, rec := range records {
		b := bucketOf(rec, granularity)
		sums[b] += rec.Value
		counts[b]++
		if rec.Value > peaks[b] {
			peaks[b] = rec.Value
		}
	}

	out := make([]ProfileBucket, 0, size)
	for b := 0; b < size; b++ {
		if counts[b] == 0 {
			continue
		}
		out = append(out, ProfileBucket{
			Bucket:  b,
			Average: sums[b] / float64(counts[b]),
			Peak:    peaks[b],
			Count:   counts[b],
		})
	}
	return out
}

// PeakDemand returns the per-bucket maximum rather than the average, which
// is what demand-charge tariffs bill against.
func PeakDemand(records []Record, granularity ProfileGranularity) []ProfileBucket {
	size := bucketCount(granularity)
	peaks := make([]float64, size)
	counts := make([]int, size)

	for _, rec := range records {
		b := bucketOf(rec, granularity)
		counts[b]++
		if rec.Value > peaks[b] {
			peaks[b] = rec.Value
		}
	}

	out := make([]ProfileBucket, 0, size)
	for b := 0; b < size; b++ {
		if counts[b] == 0 {
			continue
		}
		out = append(out, ProfileBucket{Bucket: b, Peak: peaks[b], Count: counts[b]})
	}
	return out
}

func bucketCount(g ProfileGranularity) int {
	switch g {
	case ProfileWeekly:
		return 7
	case ProfileMonthly:
		return 12
	default:
		return 24
	}
}

func bucketOf(rec Record, g ProfileGranularity) int {
	switch g {
	case ProfileWeekly:
		return int(rec.Timestamp.Weekday())
	case ProfileMonthly:
		return int(rec.Timestamp.Month()) - 1
	default:
		return rec.Timestamp.Hour()
	}
}

// Stats bundles the basic aggregate statistics of a value slice.
type Stats struct {
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Sum    float64 `json:"sum"`
	Count  int     `json:"count"`
	StdDev float64 `json:"std_dev"`
}

// ComputeStats calculates avg/min/max/sum/count/stddev over the values of
// a record slice.
func ComputeStats(records []Record) Stats {
	if len(records) == 0 {
		return Stats{}
	}

	st := Stats{
		Min:   records[0].Value,
		Max:   records[0].Value,
		Count: len(records),
	}
	for _, rec := range records {
		st.Sum += rec.Value
		if rec.Value < st.Min {
			st.Min = rec.Value
		}
		if rec.Value > st.Max {
			st.Max = rec.Value
		}
	}
	st.Avg = st.Sum / float64(st.Count)

	var sumSquares float64
	for _, rec := range records {
		diff := rec.Value - st.Avg
		sumSquares += diff * diff
	}
	st.StdDev = math.Sqrt(sumSquares / float64(st.Count))
	return st
}
