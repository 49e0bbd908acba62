package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/savegress/gridsense/internal/timeseries"
	"github.com/savegress/gridsense/pkg/models"
)

func seriesOf(values []float64) []timeseries.Record {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	recs := make([]timeseries.Record, len(values))
	for i, v := range values {
		recs[i] = timeseries.Record{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			DeviceID:  "dev-1",
			Metric:    models.MetricPower,
			Value:     v,
		}
	}
	return recs
}

func TestDetectHourSets(t *testing.T) {
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	var records []timeseries.Record
	for hour := 0; hour < 24; hour++ {
		v := 100.0
		switch {
		case hour >= 18 && hour <= 20:
			v = 300 // evening peak
		case hour >= 1 && hour <= 4:
			v = 20 // overnight trough
		}
		records = append(records, timeseries.Record{
			Timestamp: base.Add(time.Duration(hour) * time.Hour),
			DeviceID:  "dev-1",
			Metric:    models.MetricPower,
			Value:     v,
		})
	}

	sets := DetectHourSets(records)

	wantPeak := map[int]bool{18: true, 19: true, 20: true}
	for _, h := range sets.PeakHours {
		if !wantPeak[h] {
			t.Errorf("unexpected peak hour %d", h)
		}
		delete(wantPeak, h)
	}
	if len(wantPeak) != 0 {
		t.Errorf("missing peak hours: %v", wantPeak)
	}

	wantOff := map[int]bool{1: true, 2: true, 3: true, 4: true}
	for _, h := range sets.OffPeakHours {
		if !wantOff[h] {
			t.Errorf("unexpected off-peak hour %d", h)
		}
		delete(wantOff, h)
	}
	if len(wantOff) != 0 {
		t.Errorf("missing off-peak hours: %v", wantOff)
	}
}

func TestDetectBehaviorChange(t *testing.T) {
	tests := []struct {
		name         string
		baseline     float64
		recent       float64
		wantDetected bool
		wantSeverity string
	}{
		{"no change", 100, 100, false, ""},
		{"below threshold", 100, 110, false, ""},
		{"medium change", 100, 120, true, "medium"},
		{"high change", 100, 140, true, "high"},
		{"high drop", 100, 60, true, "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vals := make([]float64, 0, 40)
			for i := 0; i < 20; i++ {
				vals = append(vals, tt.baseline)
			}
			for i := 0; i < 20; i++ {
				vals = append(vals, tt.recent)
			}

			bc := DetectBehaviorChange(seriesOf(vals), 20)
			if bc.Detected != tt.wantDetected {
				t.Fatalf("detected = %v, want %v (change %.1f%%)", bc.Detected, tt.wantDetected, bc.ChangePercent)
			}
			if bc.Severity != tt.wantSeverity {
				t.Errorf("severity = %q, want %q", bc.Severity, tt.wantSeverity)
			}
		})
	}
}

func TestDetectBehaviorChangeTooShort(t *testing.T) {
	bc := DetectBehaviorChange(seriesOf([]float64{1, 2, 3}), 10)
	if bc.Detected {
		t.Fatal("short series must not detect change")
	}
}

func TestMovingAverageForecast(t *testing.T) {
	f := NewForecaster()
	records := seriesOf([]float64{90, 100, 110, 100})

	points := f.MovingAverage(records, 4, 3)
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	for i, p := range points {
		if p.Predicted != 100 {
			t.Errorf("point %d predicted = %v, want 100", i, p.Predicted)
		}
		if math.Abs(p.LowerBound-90) > 1e-9 || math.Abs(p.UpperBound-110) > 1e-9 {
			t.Errorf("point %d band = [%v, %v], want [90, 110]", i, p.LowerBound, p.UpperBound)
		}
		wantTS := records[len(records)-1].Timestamp.Add(time.Duration(i+1) * time.Hour)
		if !p.Timestamp.Equal(wantTS) {
			t.Errorf("point %d timestamp = %v, want %v", i, p.Timestamp, wantTS)
		}
	}
}

func TestExponentialSmoothingForecast(t *testing.T) {
	f := NewForecaster()
	records := seriesOf([]float64{100, 100, 100})

	points := f.ExponentialSmoothing(records, 2)
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	// Constant series smooths to the constant.
	if math.Abs(points[0].Predicted-100) > 1e-9 {
		t.Errorf("predicted = %v, want 100", points[0].Predicted)
	}
	if math.Abs(points[0].LowerBound-85) > 1e-9 || math.Abs(points[0].UpperBound-115) > 1e-9 {
		t.Errorf("band = [%v, %v], want [85, 115]", points[0].LowerBound, points[0].UpperBound)
	}
	if points[0].Trend != TrendStable {
		t.Errorf("trend = %s, want stable", points[0].Trend)
	}
}

func TestLinearRegressionForecast(t *testing.T) {
	f := NewForecaster()
	// Perfect line: value = 10*i.
	vals := make([]float64, 10)
	for i := range vals {
		vals[i] = float64(i) * 10
	}

	points := f.LinearRegression(seriesOf(vals), 2)
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	if math.Abs(points[0].Predicted-100) > 1e-6 {
		t.Errorf("first prediction = %v, want 100", points[0].Predicted)
	}
	if math.Abs(points[1].Predicted-110) > 1e-6 {
		t.Errorf("second prediction = %v, want 110", points[1].Predicted)
	}
	if points[0].Trend != TrendIncreasing {
		t.Errorf("trend = %s, want increasing", points[0].Trend)
	}
}

func TestLinearRegressionClampsNegative(t *testing.T) {
	f := NewForecaster()
	// Steep decline crossing zero.
	vals := []float64{100, 80, 60, 40, 20}

	points := f.LinearRegression(seriesOf(vals), 3)
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	last := points[2]
	if last.Predicted < 0 {
		t.Errorf("prediction = %v, want clamped to >= 0", last.Predicted)
	}
	if points[0].Trend != TrendDecreasing {
		t.Errorf("trend = %s, want decreasing", points[0].Trend)
	}
}

func TestDecompose(t *testing.T) {
	// Flat trend of 100 with an additive period-4 season.
	season := []float64{20, 0, -20, 0}
	vals := make([]float64, 24)
	for i := range vals {
		vals[i] = 100 + season[i%4]
	}

	comp := Decompose(vals, 4)
	if len(comp.Trend) != len(vals) || len(comp.Seasonal) != len(vals) || len(comp.Residual) != len(vals) {
		t.Fatal("component lengths mismatch")
	}

	// Away from the edges the reconstruction should be close.
	for i := 4; i < len(vals)-4; i++ {
		rebuilt := comp.Trend[i] + comp.Seasonal[i] + comp.Residual[i]
		if math.Abs(rebuilt-vals[i]) > 1e-9 {
			t.Fatalf("point %d: trend+seasonal+residual = %v, want %v", i, rebuilt, vals[i])
		}
	}
}

func TestDecomposeShortSeries(t *testing.T) {
	vals := []float64{1, 2, 3}
	comp := Decompose(vals, 4)
	for i, v := range comp.Trend {
		if v != vals[i] {
			t.Fatal("short series should return values as trend")
		}
	}
}
