package timeseries

import (
	"time"
)

// Downsample reduces a series to at most targetPoints records using stride
// decimation. The first and last records are always preserved so the
// series keeps its overall shape.
func Downsample(records []Record, targetPoints int) []Record {
	if targetPoints <= 0 || len(records) <= targetPoints {
		return records
	}
	if targetPoints == 1 {
		return records[:1]
	}

	stride := float64(len(records)-1) / float64(targetPoints-1)
	out := make([]Record, 0, targetPoints)
	for i := 0; i < targetPoints-1; i++ {
		out = append(out, records[int(float64(i)*stride)])
	}
	out = append(out, records[len(records)-1])
	return out
}

// MovingAverage replaces each value with the mean of the trailing window
// ending at that point. Points earlier than a full window average over
// what is available.
func MovingAverage(records []Record, windowSize int) []Record {
	if windowSize <= 1 || len(records) == 0 {
		return records
	}

	out := make([]Record, len(records))
	var sum float64
	for i, rec := range records {
		sum += rec.Value
		if i >= windowSize {
			sum -= records[i-windowSize].Value
		}
		n := i + 1
		if n > windowSize {
			n = windowSize
		}
		smoothed := rec
		smoothed.Value = sum / float64(n)
		out[i] = smoothed
	}
	return out
}

// Interpolate fills gaps between consecutive points that exceed interval
// with linearly interpolated records at interval spacing.
func Interpolate(records []Record, interval time.Duration) []Record {
	if len(records) < 2 || interval <= 0 {
		return records
	}

	out := make([]Record, 0, len(records))
	for i := 0; i < len(records)-1; i++ {
		cur, next := records[i], records[i+1]
		out = append(out, cur)

		gap := next.Timestamp.Sub(cur.Timestamp)
		if gap <= interval {
			continue
		}

		steps := int(gap / interval)
		for step := 1; step <= steps; step++ {
			ts := cur.Timestamp.Add(time.Duration(step) * interval)
			if !ts.Before(next.Timestamp) {
				break
			}
			frac := float64(ts.Sub(cur.Timestamp)) / float64(gap)
			filled := cur
			filled.Timestamp = ts
			filled.Value = cur.Value + frac*(next.Value-cur.Value)
			out = append(out, filled)
		}
	}
	out = append(out, records[len(records)-1])
	return out
}
