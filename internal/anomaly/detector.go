package anomaly

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/savegress/gridsense/internal/timeseries"
)

// Detector runs the independent detection passes and merges their output.
// It is stateless: every method is a pure function over the record slice.
type Detector struct {
	ZScoreThreshold float64
	IQRMultiplier   float64
	WindowSize      int
	WindowK         float64
	CUSUMDrift      float64
	CUSUMThreshold  float64
}

// NewDetector creates a detector with the default thresholds.
func NewDetector() *Detector {
	return &Detector{
		ZScoreThreshold: 3.0,
		IQRMultiplier:   1.5,
		WindowSize:      10,
		WindowK:         2.0,
		CUSUMDrift:      0.5,
		CUSUMThreshold:  5.0,
	}
}

// Detect runs the z-score pass first, then adds IQR results only for
// indices not already flagged: first detector wins the dedup.
func (d *Detector) Detect(records []timeseries.Record) []Anomaly {
	if len(records) < 2 {
		return nil
	}

	vals := recordValues(records)
	m := mean(vals)
	sd := stdDev(vals, m)

	flagged := make(map[int]bool)
	var out []Anomaly

	for _, idx := range d.zScoreIndices(vals, m, sd) {
		flagged[idx] = true
		out = append(out, d.build(records, idx, m, MethodZScore, ConfidenceZScore))
	}
	for _, idx := range d.iqrIndices(vals) {
		if flagged[idx] {
			continue
		}
		flagged[idx] = true
		out = append(out, d.build(records, idx, m, MethodIQR, ConfidenceIQR))
	}
	return out
}

// ZScore flags indices where |value-mean|/stddev exceeds the threshold.
func (d *Detector) ZScore(records []timeseries.Record) []Anomaly {
	if len(records) < 2 {
		return nil
	}
	vals := recordValues(records)
	m := mean(vals)
	sd := stdDev(vals, m)

	var out []Anomaly
	for _, idx := range d.zScoreIndices(vals, m, sd) {
		out = append(out, d.build(records, idx, m, MethodZScore, ConfidenceZScore))
	}
	return out
}

func (d *Detector) zScoreIndices(vals []float64, m, sd float64) []int {
	if sd == 0 {
		return nil
	}
	var out []int
	for i, v := range vals {
		if math.Abs(v-m)/sd > d.ZScoreThreshold {
			out = append(out, i)
		}
	}
	return out
}

// IQR flags values outside [Q1 - k*IQR, Q3 + k*IQR].
func (d *Detector) IQR(records []timeseries.Record) []Anomaly {
	if len(records) < 4 {
		return nil
	}
	vals := recordValues(records)
	m := mean(vals)

	var out []Anomaly
	for _, idx := range d.iqrIndices(vals) {
		out = append(out, d.build(records, idx, m, MethodIQR, ConfidenceIQR))
	}
	return out
}

func (d *Detector) iqrIndices(vals []float64) []int {
	if len(vals) < 4 {
		return nil
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	q1 := percentile(sorted, 25)
	q3 := percentile(sorted, 75)
	iqr := q3 - q1
	lower := q1 - d.IQRMultiplier*iqr
	upper := q3 + d.IQRMultiplier*iqr

	var out []int
	for i, v := range vals {
		if v < lower || v > upper {
			out = append(out, i)
		}
	}
	return out
}

// MovingWindow flags points deviating more than k standard deviations
// from the sliding trailing-window statistics.
func (d *Detector) MovingWindow(records []timeseries.Record) []Anomaly {
	if len(records) <= d.WindowSize {
		return nil
	}
	vals := recordValues(records)
	m := mean(vals)

	var out []Anomaly
	for i := d.WindowSize; i < len(vals); i++ {
		window := vals[i-d.WindowSize : i]
		wm := mean(window)
		wsd := stdDev(window, wm)
		if wsd == 0 {
			continue
		}
		if math.Abs(vals[i]-wm) > d.WindowK*wsd {
			a := d.build(records, i, m, MethodWindow, ConfidenceWindow)
			a.Expected = wm
			out = append(out, a)
		}
	}
	return out
}

// CUSUM accumulates (value - mean - drift) and flags when the cumulative
// sum magnitude exceeds the threshold, resetting after each flag.
func (d *Detector) CUSUM(records []timeseries.Record) []Anomaly {
	if len(records) < 2 {
		return nil
	}
	vals := recordValues(records)
	m := mean(vals)
	sd := stdDev(vals, m)
	if sd == 0 {
		return nil
	}

	limit := d.CUSUMThreshold * sd
	drift := d.CUSUMDrift * sd

	var out []Anomaly
	var cumSum float64
	for i, v := range vals {
		diff := v - m
		if diff > 0 {
			cumSum += diff - drift
		} else {
			cumSum += diff + drift
		}
		if math.Abs(cumSum) > limit {
			out = append(out, d.build(records, i, m, MethodCUSUM, ConfidenceCUSUM))
			cumSum = 0
		}
	}
	return out
}

// PatternCorrelation compares the trailing window against the
// equally-sized window before it using Pearson correlation and flags when
// correlation drops below 0.7. Below 0.5 the anomaly is high severity.
func (d *Detector) PatternCorrelation(records []timeseries.Record) []Anomaly {
	n := d.WindowSize
	if len(records) < 2*n {
		return nil
	}
	vals := recordValues(records)
	recent := vals[len(vals)-n:]
	prior := vals[len(vals)-2*n : len(vals)-n]

	corr := pearson(recent, prior)
	if corr >= 0.7 {
		return nil
	}

	idx := len(records) - 1
	a := d.build(records, idx, mean(prior), MethodCorrelation, ConfidenceCorrelation)
	a.Type = TypePattern
	a.Severity = SeverityMedium
	if corr < 0.5 {
		a.Severity = SeverityHigh
	}
	return []Anomaly{a}
}

// build assembles an anomaly record for the point at idx, classifying its
// type from neighbors and its severity from the deviation relative to the
// series mean.
func (d *Detector) build(records []timeseries.Record, idx int, seriesMean float64, method Method, confidence float64) Anomaly {
	rec := records[idx]
	return Anomaly{
		ID:         uuid.New().String(),
		Timestamp:  rec.Timestamp,
		DeviceID:   rec.DeviceID,
		Metric:     rec.Metric,
		Observed:   rec.Value,
		Expected:   seriesMean,
		Severity:   classifySeverity(rec.Value, seriesMean),
		Type:       classifyType(records, idx),
		Method:     method,
		Confidence: confidence,
	}
}

// classifySeverity buckets by relative deviation from the series mean.
func classifySeverity(value, seriesMean float64) Severity {
	if seriesMean == 0 {
		return SeverityLow
	}
	deviation := math.Abs(value-seriesMean) / math.Abs(seriesMean)
	switch {
	case deviation > 0.5:
		return SeverityCritical
	case deviation > 0.3:
		return SeverityHigh
	case deviation > 0.2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// classifyType compares the point to its immediate neighbors: greater
// than both is a spike, less than both a drop. Otherwise a local
// regression slope over a +/-5 window decides drift vs. pattern.
func classifyType(records []timeseries.Record, idx int) Type {
	v := records[idx].Value
	hasPrev := idx > 0
	hasNext := idx < len(records)-1

	if hasPrev && hasNext {
		prev := records[idx-1].Value
		next := records[idx+1].Value
		if v > prev && v > next {
			return TypeSpike
		}
		if v < prev && v < next {
			return TypeDrop
		}
	} else if hasPrev {
		if v > records[idx-1].Value {
			return TypeSpike
		}
		return TypeDrop
	} else if hasNext {
		if v > records[idx+1].Value {
			return TypeSpike
		}
		return TypeDrop
	}

	lo := idx - 5
	if lo < 0 {
		lo = 0
	}
	hi := idx + 5
	if hi >= len(records) {
		hi = len(records) - 1
	}
	slope := regressionSlope(recordValues(records[lo : hi+1]))
	if math.Abs(slope) > 0.1 {
		return TypeDrift
	}
	return TypePattern
}

// Statistics helpers

func recordValues(records []timeseries.Record) []float64 {
	out := make([]float64, len(records))
	for i, rec := range records {
		out[i] = rec.Value
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stdDev(vals []float64, mean float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range vals {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(vals)))
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	fraction := index - float64(lower)
	return sorted[lower] + fraction*(sorted[upper]-sorted[lower])
}

func pearson(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var cov, varA, varB float64
	for i := range a {
		da := a[i] - ma
		db := b[i] - mb
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// regressionSlope returns the least-squares slope of vals against their
// indices.
func regressionSlope(vals []float64) float64 {
	n := float64(len(vals))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range vals {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
