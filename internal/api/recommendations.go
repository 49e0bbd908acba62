package api

import (
	"fmt"
	"net/http"

	"github.com/savegress/gridsense/internal/anomaly"
	"github.com/savegress/gridsense/internal/forecast"
	"github.com/savegress/gridsense/internal/timeseries"
	"github.com/savegress/gridsense/pkg/models"
)

// Recommendation is one heuristic saving or reliability suggestion.
type Recommendation struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func (s *Server) getRecommendations(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to := parseRange(r)

	power := s.store.Query(deviceID, models.MetricPower, from, to)
	all := s.store.QueryAll(deviceID, from, to)

	recs := buildRecommendations(power, all, s.detector.Detect(power))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":       deviceID,
		"recommendations": recs,
	})
}

// buildRecommendations derives rule-of-thumb advice from the usage
// pattern, power quality and anomaly rate of a device.
func buildRecommendations(power, all []timeseries.Record, anomalies []anomaly.Anomaly) []Recommendation {
	var recs []Recommendation

	// Consumption concentrated in tariff peak hours is the largest
	// savings lever.
	sets := forecast.DetectHourSets(power)
	tariff := timeseries.DefaultTariff()
	peakOverlap := 0
	for _, h := range sets.PeakHours {
		if tariff.PeakHours[h] {
			peakOverlap++
		}
	}
	if peakOverlap > 0 {
		recs = append(recs, Recommendation{
			Type:     "load_shift",
			Severity: "medium",
			Message: fmt.Sprintf("%d of the device's peak usage hours fall in the expensive tariff window; shifting flexible loads to off-peak hours would reduce cost", peakOverlap),
		})
	}

	quality := timeseries.AnalyzePowerQuality(all)
	if quality.SampleCount > 0 && quality.PowerFactorAvg > 0 && quality.PowerFactorAvg < 0.9 {
		recs = append(recs, Recommendation{
			Type:     "power_factor",
			Severity: "high",
			Message:  fmt.Sprintf("average power factor is %.2f; below 0.90 utilities may apply reactive power charges, consider power factor correction", quality.PowerFactorAvg),
		})
	}
	if quality.PhaseImbalancePct > 2 {
		recs = append(recs, Recommendation{
			Type:     "phase_balance",
			Severity: "medium",
			Message:  fmt.Sprintf("phase imbalance of %.1f%% detected; rebalancing loads across phases reduces losses and equipment wear", quality.PhaseImbalancePct),
		})
	}

	if len(power) > 0 {
		rate := float64(len(anomalies)) / float64(len(power))
		if rate > 0.05 {
			recs = append(recs, Recommendation{
				Type:     "reliability",
				Severity: "high",
				Message:  fmt.Sprintf("%.0f%% of recent samples were anomalous; inspect the device or its circuit for faults", rate*100),
			})
		}
	}

	change := forecast.DetectBehaviorChange(power, len(power)/4)
	if change.Detected && change.RecentMean > change.BaselineMean {
		recs = append(recs, Recommendation{
			Type:     "consumption_growth",
			Severity: change.Severity,
			Message:  fmt.Sprintf("consumption is up %.0f%% versus the baseline period; verify this increase is expected", change.ChangePercent),
		})
	}

	if len(recs) == 0 {
		recs = append(recs, Recommendation{
			Type:     "none",
			Severity: "low",
			Message:  "no savings or reliability issues detected in the analysed window",
		})
	}
	return recs
}
