package timeseries

import (
	"time"

	"github.com/shopspring/decimal"
)

// TariffSchedule maps hours of the day to peak/shoulder/off-peak rates in
// currency per kWh.
type TariffSchedule struct {
	PeakRate     decimal.Decimal
	ShoulderRate decimal.Decimal
	OffPeakRate  decimal.Decimal
	PeakHours    map[int]bool
	OffPeakHours map[int]bool
}

// DefaultTariff is a typical residential time-of-use schedule: peak
// 17:00-21:00, off-peak 23:00-07:00, shoulder everywhere else.
func DefaultTariff() TariffSchedule {
	peak := map[int]bool{17: true, 18: true, 19: true, 20: true}
	offPeak := map[int]bool{23: true, 0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 6: true}
	return TariffSchedule{
		PeakRate:     decimal.NewFromFloat(0.32),
		ShoulderRate: decimal.NewFromFloat(0.21),
		OffPeakRate:  decimal.NewFromFloat(0.12),
		PeakHours:    peak,
		OffPeakHours: offPeak,
	}
}

func (t TariffSchedule) rateFor(hour int) decimal.Decimal {
	switch {
	case t.PeakHours[hour]:
		return t.PeakRate
	case t.OffPeakHours[hour]:
		return t.OffPeakRate
	default:
		return t.ShoulderRate
	}
}

// CostBreakdown is the tariff-bucketed cost of a set of power samples.
type CostBreakdown struct {
	PeakCost       decimal.Decimal `json:"peak_cost"`
	ShoulderCost   decimal.Decimal `json:"shoulder_cost"`
	OffPeakCost    decimal.Decimal `json:"off_peak_cost"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	TotalEnergyKWh decimal.Decimal `json:"total_energy_kwh"`
}

// CostAnalysis compares the analysed period against the immediately
// preceding equal-length period and projects a 30-day month.
type CostAnalysis struct {
	Current          CostBreakdown   `json:"current"`
	Previous         CostBreakdown   `json:"previous"`
	Delta            decimal.Decimal `json:"delta"`
	PercentChange    decimal.Decimal `json:"percent_change"`
	ProjectedMonthly decimal.Decimal `json:"projected_monthly"`
}

// AnalyzeCost buckets each power sample into the tariff hour sets,
// converts power to energy using the sample interval, prices it and sums.
// The monthly projection scales the daily average cost to 30 days.
func AnalyzeCost(current, previous []Record, tariff TariffSchedule, sampleInterval time.Duration, periodDays float64) CostAnalysis {
	analysis := CostAnalysis{
		Current:  costOf(current, tariff, sampleInterval),
		Previous: costOf(previous, tariff, sampleInterval),
	}

	analysis.Delta = analysis.Current.TotalCost.Sub(analysis.Previous.TotalCost)
	if analysis.Previous.TotalCost.IsPositive() {
		analysis.PercentChange = analysis.Delta.
			Div(analysis.Previous.TotalCost).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}

	if periodDays > 0 {
		dailyAvg := analysis.Current.TotalCost.Div(decimal.NewFromFloat(periodDays))
		analysis.ProjectedMonthly = dailyAvg.Mul(decimal.NewFromInt(30)).Round(2)
	}
	return analysis
}

func costOf(records []Record, tariff TariffSchedule, sampleInterval time.Duration) CostBreakdown {
	var bd CostBreakdown
	bd.PeakCost = decimal.Zero
	bd.ShoulderCost = decimal.Zero
	bd.OffPeakCost = decimal.Zero
	bd.TotalEnergyKWh = decimal.Zero

	hours := decimal.NewFromFloat(sampleInterval.Hours())
	thousand := decimal.NewFromInt(1000)

	for _, rec := range records {
		// power_w * interval -> Wh, then kWh
		energyKWh := decimal.NewFromFloat(rec.Value).Mul(hours).Div(thousand)
		bd.TotalEnergyKWh = bd.TotalEnergyKWh.Add(energyKWh)

		hour := rec.Timestamp.Hour()
		cost := energyKWh.Mul(tariff.rateFor(hour))
		switch {
		case tariff.PeakHours[hour]:
			bd.PeakCost = bd.PeakCost.Add(cost)
		case tariff.OffPeakHours[hour]:
			bd.OffPeakCost = bd.OffPeakCost.Add(cost)
		default:
			bd.ShoulderCost = bd.ShoulderCost.Add(cost)
		}
	}

	bd.TotalCost = bd.PeakCost.Add(bd.ShoulderCost).Add(bd.OffPeakCost).Round(4)
	bd.PeakCost = bd.PeakCost.Round(4)
	bd.ShoulderCost = bd.ShoulderCost.Round(4)
	bd.OffPeakCost = bd.OffPeakCost.Round(4)
	bd.TotalEnergyKWh = bd.TotalEnergyKWh.Round(4)
	return bd
}
