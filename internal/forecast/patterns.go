// Package forecast derives recurring consumption patterns, detects
// behavior change and produces point forecasts with confidence bands.
package forecast

import (
	"math"

	"github.com/savegress/gridsense/internal/timeseries"
)

// HourSets holds the peak and off-peak hour sets of a usage pattern.
type HourSets struct {
	PeakHours    []int `json:"peak_hours"`
	OffPeakHours []int `json:"off_peak_hours"`
}

// DetectHourSets classifies hours of the day whose average exceeds 1.2x
// the overall mean as peak hours and hours below 0.8x as off-peak.
func DetectHourSets(records []timeseries.Record) HourSets {
	profile := timeseries.LoadProfile(records, timeseries.ProfileHourly)
	if len(profile) == 0 {
		return HourSets{}
	}

	var total float64
	var count int
	for _, b := range profile {
		total += b.Average * float64(b.Count)
		count += b.Count
	}
	overall := total / float64(count)

	var sets HourSets
	for _, b := range profile {
		switch {
		case b.Average > 1.2*overall:
			sets.PeakHours = append(sets.PeakHours, b.Bucket)
		case b.Average < 0.8*overall:
			sets.OffPeakHours = append(sets.OffPeakHours, b.Bucket)
		}
	}
	return sets
}

// BehaviorChange describes a detected shift between a recent window and
// the preceding historical window.
type BehaviorChange struct {
	Detected      bool    `json:"detected"`
	RecentMean    float64 `json:"recent_mean"`
	BaselineMean  float64 `json:"baseline_mean"`
	ChangePercent float64 `json:"change_percent"`
	Severity      string  `json:"severity"`
}

// DetectBehaviorChange compares the mean of the trailing recentSize
// records against the mean of the window before it. A relative change
// above 15% is flagged, above 25% with high severity.
func DetectBehaviorChange(records []timeseries.Record, recentSize int) BehaviorChange {
	if recentSize <= 0 || len(records) < 2*recentSize {
		return BehaviorChange{}
	}

	recent := records[len(records)-recentSize:]
	baseline := records[len(records)-2*recentSize : len(records)-recentSize]

	recentMean := timeseries.ComputeStats(recent).Avg
	baselineMean := timeseries.ComputeStats(baseline).Avg
	if baselineMean == 0 {
		return BehaviorChange{RecentMean: recentMean, BaselineMean: baselineMean}
	}

	change := (recentMean - baselineMean) / math.Abs(baselineMean) * 100
	bc := BehaviorChange{
		RecentMean:    recentMean,
		BaselineMean:  baselineMean,
		ChangePercent: change,
	}
	abs := math.Abs(change)
	if abs > 15 {
		bc.Detected = true
		bc.Severity = "medium"
		if abs > 25 {
			bc.Severity = "high"
		}
	}
	return bc
}

// SeasonalComponents is the decomposition of a series into trend,
// seasonal and residual parts.
type SeasonalComponents struct {
	Trend    []float64 `json:"trend"`
	Seasonal []float64 `json:"seasonal"`
	Residual []float64 `json:"residual"`
}

// Decompose performs a classical additive decomposition: trend from a
// centered moving average over period, seasonal index from the average
// detrended value at each phase position, residual as the remainder.
func Decompose(values []float64, period int) SeasonalComponents {
	n := len(values)
	if period < 2 || n < 2*period {
		return SeasonalComponents{
			Trend:    values,
			Seasonal: make([]float64, n),
			Residual: make([]float64, n),
		}
	}

	trend := make([]float64, n)
	half := period / 2
	for i := range values {
		lo := i - half
		hi := i + half
		if lo < 0 {
			lo = 0
		}
		if hi >= n {
			hi = n - 1
		}
		var sum float64
		for j := lo; j <= hi; j++ {
			sum += values[j]
		}
		trend[i] = sum / float64(hi-lo+1)
	}

	phaseSum := make([]float64, period)
	phaseCount := make([]int, period)
	for i := range values {
		phase := i % period
		phaseSum[phase] += values[i] - trend[i]
		phaseCount[phase]++
	}

	seasonal := make([]float64, n)
	residual := make([]float64, n)
	for i := range values {
		phase := i % period
		if phaseCount[phase] > 0 {
			seasonal[i] = phaseSum[phase] / float64(phaseCount[phase])
		}
		residual[i] = values[i] - trend[i] - seasonal[i]
	}

	return SeasonalComponents{Trend: trend, Seasonal: seasonal, Residual: residual}
}
