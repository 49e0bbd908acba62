package anomaly

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
			Timestamp: start.Add(time.Duration(i) * time.Second),
			DeviceID:  "dev-1",
			Metric:    models.MetricPower,
			Value:     v,
		}
	}
	return recs
}

// stableSeries builds n points oscillating around mean with the given
// spread, which yields a predictable standard deviation.
func stableSeries(n int, mean, spread float64) []float64 {
	vals := make([]float64, n)
	for i := range vals {
		if i%2 == 0 {
			vals[i] = mean + spread
		} else {
			vals[i] = mean - spread
		}
	}
	return vals
}

func TestZScoreFlagsSingleOutlier(t *testing.T) {
	// 1000 readings around 500 W (stddev 50), then one 1500 W reading.
	vals := stableSeries(1000, 500, 50)
	vals = append(vals, 1500)
	records := seriesOf(vals)

	d := NewDetector()
	anomalies := d.ZScore(records)

	if len(anomalies) != 1 {
		t.Fatalf("anomalies = %d, want exactly 1", len(anomalies))
	}
	a := anomalies[0]
	if a.Observed != 1500 {
		t.Errorf("observed = %v, want 1500", a.Observed)
	}
	// Relative deviation ~100% of the mean -> critical.
	if a.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", a.Severity)
	}
	if a.Type != TypeSpike {
		t.Errorf("type = %s, want spike", a.Type)
	}
	if a.Confidence != ConfidenceZScore {
		t.Errorf("confidence = %v, want %v", a.Confidence, ConfidenceZScore)
	}
}

func TestDetectDedupsIQRAgainstZScore(t *testing.T) {
	vals := stableSeries(200, 500, 50)
	vals = append(vals, 1500)
	records := seriesOf(vals)

	d := NewDetector()
	merged := d.Detect(records)

	seen := make(map[int]Method)
	for _, a := range merged {
		idx := int(a.Timestamp.Sub(records[0].Timestamp) / time.Second)
		if prev, dup := seen[idx]; dup {
			t.Fatalf("index %d flagged twice (%s then %s)", idx, prev, a.Method)
		}
		seen[idx] = a.Method
	}

	// The outlier must be attributed to z-score, the first pass.
	last := len(records) - 1
	if seen[last] != MethodZScore {
		t.Errorf("outlier method = %s, want zscore (first detector wins)", seen[last])
	}
}

func TestIQRDetectsOutlier(t *testing.T) {
	vals := append(stableSeries(100, 100, 5), 400)
	d := NewDetector()

	anomalies := d.IQR(seriesOf(vals))
	if len(anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(anomalies))
	}
	if anomalies[0].Observed != 400 {
		t.Errorf("observed = %v, want 400", anomalies[0].Observed)
	}
}

func TestMovingWindowDeviation(t *testing.T) {
	vals := stableSeries(40, 200, 10)
	vals = append(vals, 600)
	d := NewDetector()

	anomalies := d.MovingWindow(seriesOf(vals))
	if len(anomalies) == 0 {
		t.Fatal("expected the 600 W point to be flagged")
	}
	found := false
	for _, a := range anomalies {
		if a.Observed == 600 {
			found = true
			if a.Method != MethodWindow {
				t.Errorf("method = %s, want moving_window", a.Method)
			}
		}
	}
	if !found {
		t.Error("600 W point not among flagged anomalies")
	}
}

func TestCUSUMFlagsLevelShift(t *testing.T) {
	// Level shift: 100 then sustained 160.
	vals := make([]float64, 0, 60)
	for i := 0; i < 30; i++ {
		vals = append(vals, 100)
	}
	for i := 0; i < 30; i++ {
		vals = append(vals, 160)
	}
	d := NewDetector()

	anomalies := d.CUSUM(seriesOf(vals))
	if len(anomalies) == 0 {
		t.Fatal("expected cusum to flag the sustained shift")
	}
	for _, a := range anomalies {
		if a.Method != MethodCUSUM {
			t.Errorf("method = %s, want cusum", a.Method)
		}
	}
}

func TestCUSUMQuietSeries(t *testing.T) {
	d := NewDetector()
	if got := d.CUSUM(seriesOf(stableSeries(50, 100, 1))); len(got) != 0 {
		t.Fatalf("quiet series flagged %d anomalies", len(got))
	}
}

func TestPatternCorrelation(t *testing.T) {
	d := NewDetector()

	// Repeating pattern: both windows correlate strongly, no anomaly.
	periodic := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		periodic = append(periodic, 100+50*math.Sin(float64(i%10)))
	}
	if got := d.PatternCorrelation(seriesOf(periodic)); len(got) != 0 {
		t.Fatalf("correlated windows flagged %d anomalies", len(got))
	}

	// Inverted recent window: correlation is strongly negative.
	broken := make([]float64, 0, 20)
	for i := 0; i < 10; i++ {
		broken = append(broken, 100+50*math.Sin(float64(i)))
	}
	for i := 0; i < 10; i++ {
		broken = append(broken, 100-50*math.Sin(float64(i)))
	}
	got := d.PatternCorrelation(seriesOf(broken))
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(got))
	}
	if got[0].Severity != SeverityHigh {
		t.Errorf("severity = %s, want high for correlation < 0.5", got[0].Severity)
	}
	if got[0].Type != TypePattern {
		t.Errorf("type = %s, want pattern", got[0].Type)
	}
}

func TestClassifySeverityBuckets(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		mean  float64
		want  Severity
	}{
		{"critical above 50%", 160, 100, SeverityCritical},
		{"high above 30%", 135, 100, SeverityHigh},
		{"medium above 20%", 125, 100, SeverityMedium},
		{"low otherwise", 110, 100, SeverityLow},
		{"zero mean", 10, 0, SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySeverity(tt.value, tt.mean); got != tt.want {
				t.Errorf("classifySeverity(%v, %v) = %s, want %s", tt.value, tt.mean, got, tt.want)
			}
		})
	}
}

func TestClassifyTypeNeighbors(t *testing.T) {
	records := seriesOf([]float64{100, 500, 100})
	if got := classifyType(records, 1); got != TypeSpike {
		t.Errorf("type = %s, want spike", got)
	}

	records = seriesOf([]float64{100, 20, 100})
	if got := classifyType(records, 1); got != TypeDrop {
		t.Errorf("type = %s, want drop", got)
	}
}

func TestClassifyTypeDrift(t *testing.T) {
	// Monotone ramp: the flagged point is not above or below both
	// neighbors, and the local slope is large.
	vals := make([]float64, 20)
	for i := range vals {
		vals[i] = float64(i) * 10
	}
	records := seriesOf(vals)
	if got := classifyType(records, 10); got != TypeDrift {
		t.Errorf("type = %s, want drift", got)
	}
}
