package buffer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/savegress/gridsense/pkg/models"
)

func addReading(b *StreamBuffer, device string, ts time.Time, power float64) {
	b.Add(&models.TelemetryReading{
		DeviceID:  device,
		SiteID:    "site-1",
		Timestamp: ts,
		PowerW:    power,
	})
}

func TestRingEvictsOldest(t *testing.T) {
	b := New(3)
	now := time.Now()
	for i := 0; i < 5; i++ {
		addReading(b, "dev-1", now.Add(time.Duration(i)*time.Second), float64(i))
	}

	if b.Size("dev-1") != 3 {
		t.Fatalf("size = %d, want 3", b.Size("dev-1"))
	}

	samples := b.Compress("dev-1", 1)
	want := []float64{2, 3, 4}
	for i, s := range samples {
		if s.Value != want[i] {
			t.Errorf("sample %d = %v, want %v (oldest evicted first)", i, s.Value, want[i])
		}
	}
}

func TestAggregate(t *testing.T) {
	b := New(16)
	now := time.Now()
	for i, v := range []float64{10, 20, 30, 40} {
		addReading(b, "dev-1", now.Add(-time.Duration(i)*time.Second), v)
	}

	agg, err := b.Aggregate("dev-1", 5)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Avg != 25 || agg.Min != 10 || agg.Max != 40 || agg.Sum != 100 || agg.Count != 4 {
		t.Errorf("aggregate = %+v", agg)
	}
	wantStdDev := math.Sqrt(125) // population stddev of 10,20,30,40
	if math.Abs(agg.StdDev-wantStdDev) > 1e-9 {
		t.Errorf("stddev = %v, want %v", agg.StdDev, wantStdDev)
	}
}

func TestAggregateEmptyWindow(t *testing.T) {
	b := New(16)
	// Sample far outside the window.
	addReading(b, "dev-1", time.Now().Add(-2*time.Hour), 100)

	_, err := b.Aggregate("dev-1", 5)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}

	_, err = b.Aggregate("unknown", 5)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("unknown device err = %v, want ErrNoData", err)
	}
}

func TestDetectAnomalies(t *testing.T) {
	b := New(128)
	now := time.Now()
	// Stable signal with one outlier.
	for i := 0; i < 50; i++ {
		v := 500.0
		if i%2 == 0 {
			v = 510.0
		}
		addReading(b, "dev-1", now.Add(-time.Duration(50-i)*time.Second), v)
	}
	addReading(b, "dev-1", now, 2000)

	anomalies, err := b.DetectAnomalies("dev-1", 3)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(anomalies))
	}
	if anomalies[0].Value != 2000 {
		t.Errorf("flagged %v, want 2000", anomalies[0].Value)
	}
}

func TestDetectPeaks(t *testing.T) {
	b := New(32)
	now := time.Now()
	for i, v := range []float64{100, 100, 100, 100, 300} {
		addReading(b, "dev-1", now.Add(-time.Duration(5-i)*time.Second), v)
	}

	peaks, err := b.DetectPeaks("dev-1", 5)
	if err != nil {
		t.Fatalf("detect peaks: %v", err)
	}
	if len(peaks) != 1 || peaks[0].Value != 300 {
		t.Fatalf("peaks = %+v, want the single 300 sample", peaks)
	}
}

func TestCompressStride(t *testing.T) {
	b := New(16)
	now := time.Now()
	for i := 0; i < 10; i++ {
		addReading(b, "dev-1", now.Add(time.Duration(i)*time.Second), float64(i))
	}

	compressed := b.Compress("dev-1", 3)
	want := []float64{0, 3, 6, 9}
	if len(compressed) != len(want) {
		t.Fatalf("len = %d, want %d", len(compressed), len(want))
	}
	for i, s := range compressed {
		if s.Value != want[i] {
			t.Errorf("sample %d = %v, want %v", i, s.Value, want[i])
		}
	}
}
