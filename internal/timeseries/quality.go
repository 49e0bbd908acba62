package timeseries

import (
	"math"

	"github.com/savegress/gridsense/pkg/models"
)

// PowerQuality aggregates the stability metrics of an electrical signal.
type PowerQuality struct {
	PowerFactorMin     float64 `json:"power_factor_min"`
	PowerFactorAvg     float64 `json:"power_factor_avg"`
	PowerFactorMax     float64 `json:"power_factor_max"`
	THDVoltageAvg      float64 `json:"thd_voltage_avg"`
	THDCurrentAvg      float64 `json:"thd_current_avg"`
	FrequencyAvg       float64 `json:"frequency_avg"`
	FrequencyDeviation float64 `json:"frequency_deviation"`
	PhaseImbalancePct  float64 `json:"phase_imbalance_pct"`
	SampleCount        int     `json:"sample_count"`
}

// AnalyzePowerQuality computes power-factor min/avg/max, THD averages,
// frequency average and its own standard deviation, and the three-phase
// imbalance over a device's mixed-metric record set. Phase values are the
// latest three voltage samples; imbalance is the maximum absolute
// deviation from their mean as a percentage of the mean.
func AnalyzePowerQuality(records []Record) PowerQuality {
	var pf, thdV, thdC, freq, volts []float64

	for _, rec := range records {
		switch rec.Metric {
		case models.MetricPowerFactor:
			pf = append(pf, rec.Value)
		case models.MetricTHDVoltage:
			thdV = append(thdV, rec.Value)
		case models.MetricTHDCurrent:
			thdC = append(thdC, rec.Value)
		case models.MetricFrequency:
			freq = append(freq, rec.Value)
		case models.MetricVoltage:
			volts = append(volts, rec.Value)
		}
	}

	q := PowerQuality{SampleCount: len(records)}

	if len(pf) > 0 {
		q.PowerFactorMin, q.PowerFactorMax = pf[0], pf[0]
		var sum float64
		for _, v := range pf {
			sum += v
			if v < q.PowerFactorMin {
				q.PowerFactorMin = v
			}
			if v > q.PowerFactorMax {
				q.PowerFactorMax = v
			}
		}
		q.PowerFactorAvg = sum / float64(len(pf))
	}

	q.THDVoltageAvg = meanOf(thdV)
	q.THDCurrentAvg = meanOf(thdC)

	if len(freq) > 0 {
		q.FrequencyAvg = meanOf(freq)
		var sumSquares float64
		for _, v := range freq {
			diff := v - q.FrequencyAvg
			sumSquares += diff * diff
		}
		q.FrequencyDeviation = math.Sqrt(sumSquares / float64(len(freq)))
	}

	q.PhaseImbalancePct = phaseImbalance(volts)
	return q
}

// phaseImbalance takes the three latest phase values and returns the max
// absolute deviation from their mean expressed as a percentage of the
// mean. Fewer than three samples means no imbalance can be computed.
func phaseImbalance(volts []float64) float64 {
	if len(volts) < 3 {
		return 0
	}
	phases := volts[len(volts)-3:]
	mean := (phases[0] + phases[1] + phases[2]) / 3
	if mean == 0 {
		return 0
	}

	var maxDev float64
	for _, v := range phases {
		dev := math.Abs(v - mean)
		if dev > maxDev {
			maxDev = dev
		}
	}
	return maxDev / mean * 100
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
