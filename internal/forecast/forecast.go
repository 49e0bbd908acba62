package forecast

import (
	"time"

	"github.com/savegress/gridsense/internal/timeseries"
)

// Trend labels the direction of a forecast.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Point is one forecast point with its confidence band.
type Point struct {
	Timestamp  time.Time `json:"timestamp"`
	Predicted  float64   `json:"predicted"`
	LowerBound float64   `json:"lower_bound"`
	UpperBound float64   `json:"upper_bound"`
	Trend      Trend     `json:"trend"`
}

// Forecaster produces point forecasts from historic records.
type Forecaster struct {
	// SmoothingAlpha is the fixed factor for exponential smoothing.
	SmoothingAlpha float64
	// Step is the spacing between emitted forecast points.
	Step time.Duration
}

// NewForecaster creates a forecaster with the default smoothing factor
// and an hourly step.
func NewForecaster() *Forecaster {
	return &Forecaster{SmoothingAlpha: 0.3, Step: time.Hour}
}

// MovingAverage forecasts horizon points from the simple moving average
// of the last window records, with a fixed +/-10% band.
func (f *Forecaster) MovingAverage(records []timeseries.Record, window, horizon int) []Point {
	if len(records) == 0 || horizon <= 0 {
		return nil
	}
	if window <= 0 || window > len(records) {
		window = len(records)
	}

	tail := records[len(records)-window:]
	avg := timeseries.ComputeStats(tail).Avg
	trend := trendFromChange(avg, records[len(records)-1].Value)

	return f.emit(records[len(records)-1].Timestamp, horizon, func(int) float64 { return avg }, 0.10, trend)
}

// ExponentialSmoothing forecasts horizon points from an exponentially
// smoothed level with a fixed +/-15% band.
func (f *Forecaster) ExponentialSmoothing(records []timeseries.Record, horizon int) []Point {
	if len(records) == 0 || horizon <= 0 {
		return nil
	}

	level := records[0].Value
	for _, rec := range records[1:] {
		level = f.SmoothingAlpha*rec.Value + (1-f.SmoothingAlpha)*level
	}
	trend := trendFromChange(level, records[len(records)-1].Value)

	return f.emit(records[len(records)-1].Timestamp, horizon, func(int) float64 { return level }, 0.15, trend)
}

// LinearRegression extrapolates a least-squares fit with a fixed
// -20%/+20% band. Predictions are clamped non-negative since power draw
// cannot go below zero.
func (f *Forecaster) LinearRegression(records []timeseries.Record, horizon int) []Point {
	if len(records) < 2 || horizon <= 0 {
		return nil
	}

	n := float64(len(records))
	var sumX, sumY, sumXY, sumXX float64
	for i, rec := range records {
		x := float64(i)
		sumX += x
		sumY += rec.Value
		sumXY += x * rec.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return nil
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	trend := TrendStable
	if slope > 0.01 {
		trend = TrendIncreasing
	} else if slope < -0.01 {
		trend = TrendDecreasing
	}

	return f.emit(records[len(records)-1].Timestamp, horizon, func(step int) float64 {
		predicted := intercept + slope*(n-1+float64(step))
		if predicted < 0 {
			predicted = 0
		}
		return predicted
	}, 0.20, trend)
}

func (f *Forecaster) emit(last time.Time, horizon int, predict func(step int) float64, band float64, trend Trend) []Point {
	out := make([]Point, 0, horizon)
	for step := 1; step <= horizon; step++ {
		p := predict(step)
		out = append(out, Point{
			Timestamp:  last.Add(time.Duration(step) * f.Step),
			Predicted:  p,
			LowerBound: p * (1 - band),
			UpperBound: p * (1 + band),
			Trend:      trend,
		})
	}
	return out
}

// trendFromChange labels the direction by comparing the prediction
// against the last observed value, with a 2% dead band.
func trendFromChange(predicted, lastObserved float64) Trend {
	if lastObserved == 0 {
		return TrendStable
	}
	change := (predicted - lastObserved) / lastObserved
	switch {
	case change > 0.02:
		return TrendIncreasing
	case change < -0.02:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
