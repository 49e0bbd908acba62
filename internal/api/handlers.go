package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savegress/gridsense/internal/automation"
	"github.com/savegress/gridsense/internal/buffer"
	"github.com/savegress/gridsense/internal/forecast"
	"github.com/savegress/gridsense/internal/realtime"
	"github.com/savegress/gridsense/internal/repository"
	"github.com/savegress/gridsense/internal/timeseries"
	"github.com/savegress/gridsense/pkg/models"
)

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string)
	healthy := true
	for name, probe := range s.health {
		if probe() {
			components[name] = "up"
		} else {
			components[name] = "down"
			healthy = false
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":     overall,
		"service":    "gridsense",
		"components": components,
		"time":       time.Now().UTC(),
	})
}

// Query handlers

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to := parseRange(r)

	metric := r.URL.Query().Get("metric")
	var records []timeseries.Record
	if metric == "" {
		records = s.store.QueryAll(deviceID, from, to)
	} else {
		records = s.store.Query(deviceID, metric, from, to)
	}

	if points := intParam(r, "downsample", 0); points > 0 {
		records = timeseries.Downsample(records, points)
	}
	if window := intParam(r, "smooth", 0); window > 0 {
		records = timeseries.MovingAverage(records, window)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"from":      from,
		"to":        to,
		"count":     len(records),
		"records":   records,
	})
}

func (s *Server) getLoadProfiles(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to := parseRange(r)
	granularity := profileGranularity(r)

	records := s.store.Query(deviceID, models.MetricPower, from, to)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":   deviceID,
		"granularity": granularity,
		"profile":     timeseries.LoadProfile(records, granularity),
	})
}

func (s *Server) getPowerQuality(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to := parseRange(r)

	records := s.store.QueryAll(deviceID, from, to)
	respondJSON(w, http.StatusOK, timeseries.AnalyzePowerQuality(records))
}

func (s *Server) getPeakDemand(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to := parseRange(r)
	granularity := profileGranularity(r)

	records := s.store.Query(deviceID, models.MetricPower, from, to)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":   deviceID,
		"granularity": granularity,
		"peaks":       timeseries.PeakDemand(records, granularity),
	})
}

func (s *Server) getCostAnalysis(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	periodDays := intParam(r, "period_days", 7)
	now := time.Now().UTC()
	period := time.Duration(periodDays) * 24 * time.Hour

	current := s.store.Query(deviceID, models.MetricPower, now.Add(-period), now)
	previous := s.store.Query(deviceID, models.MetricPower, now.Add(-2*period), now.Add(-period))

	interval := time.Duration(intParam(r, "sample_interval_seconds", 60)) * time.Second
	analysis := timeseries.AnalyzeCost(current, previous, timeseries.DefaultTariff(), interval, float64(periodDays))
	respondJSON(w, http.StatusOK, analysis)
}

func (s *Server) getPatterns(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to := parseRange(r)

	records := s.store.Query(deviceID, models.MetricPower, from, to)
	recentSize := intParam(r, "recent_size", len(records)/4)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":       deviceID,
		"hour_sets":       forecast.DetectHourSets(records),
		"behavior_change": forecast.DetectBehaviorChange(records, recentSize),
	})
}

func (s *Server) getForecast(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to := parseRange(r)
	horizon := intParam(r, "horizon", 24)
	window := intParam(r, "window", 24)

	records := s.store.Query(deviceID, models.MetricPower, from, to)

	var points []forecast.Point
	method := r.URL.Query().Get("method")
	switch method {
	case "", "sma":
		points = s.forecaster.MovingAverage(records, window, horizon)
	case "exp":
		points = s.forecaster.ExponentialSmoothing(records, horizon)
	case "linear":
		points = s.forecaster.LinearRegression(records, horizon)
	default:
		respondError(w, http.StatusBadRequest, "unknown forecast method: "+method)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"method":    method,
		"points":    points,
	})
}

func (s *Server) getAnomalies(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to := parseRange(r)
	records := s.store.Query(deviceID, models.MetricPower, from, to)

	var anomalies interface{}
	switch method := r.URL.Query().Get("method"); method {
	case "", "auto":
		anomalies = s.detector.Detect(records)
	case "window":
		anomalies = s.detector.MovingWindow(records)
	case "cusum":
		anomalies = s.detector.CUSUM(records)
	case "pattern":
		anomalies = s.detector.PatternCorrelation(records)
	default:
		respondError(w, http.StatusBadRequest, "unknown detection method: "+method)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"from":      from,
		"to":        to,
		"anomalies": anomalies,
	})
}

func (s *Server) getBufferAggregate(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	window := intParam(r, "window", 15)

	agg, err := s.buffer.Aggregate(deviceID, window)
	if errors.Is(err, buffer.ErrNoData) {
		respondError(w, http.StatusNotFound, "no buffered data for device")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agg)
}

func (s *Server) getBufferPeaks(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	window := intParam(r, "window", 60)

	peaks, err := s.buffer.DetectPeaks(deviceID, window)
	if errors.Is(err, buffer.ErrNoData) {
		respondError(w, http.StatusNotFound, "no buffered data for device")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"peaks":     peaks,
	})
}

// Automation management handlers

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.ListRules())
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.engine.GetRule(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "rule not found")
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.CreateRule(r.Context(), actor(r), &rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.persistRule(r, &rule, true); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rule.ID = chi.URLParam(r, "id")

	if err := s.engine.UpdateRule(r.Context(), actor(r), &rule); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.persistRule(r, &rule, false); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.engine.ToggleRule(r.Context(), actor(r), id, body.Enabled); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.rules != nil {
		if rule, ok := s.engine.GetRule(id); ok {
			if err := s.rules.Update(r.Context(), &rule); err != nil {
				s.logger.Error("failed to persist rule toggle", zap.String("rule_id", id), zap.Error(err))
			}
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": body.Enabled})
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.DeleteRule(r.Context(), actor(r), id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.rules != nil {
		if err := s.rules.Delete(r.Context(), id); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("failed to delete persisted rule", zap.String("rule_id", id), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) persistRule(r *http.Request, rule *automation.Rule, created bool) error {
	if s.rules == nil {
		return nil
	}
	if created {
		return s.rules.Create(r.Context(), rule)
	}
	return s.rules.Update(r.Context(), rule)
}

func (s *Server) listRuleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotImplemented, "event history is not configured")
		return
	}
	events, err := s.events.ListByRule(r.Context(), chi.URLParam(r, "id"), intParam(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.scheduler.List())
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sched automation.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.scheduler.Add(&sched); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sched)
}

func (s *Server) bulkUpdateSchedules(w http.ResponseWriter, r *http.Request) {
	var updates []*automation.Schedule
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.scheduler.BulkUpdate(updates); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.scheduler.List())
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Remove(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebSocket

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context ends when this handler returns, so the pumps
	// run on a fresh one and live until the client disconnects.
	client := realtime.NewClient(s.hub, conn, uuid.New().String())
	s.hub.Register(client)
	go client.WritePump(context.Background())
	go client.ReadPump(context.Background())
}

// Helpers

func parseRange(r *http.Request) (time.Time, time.Time) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}

func intParam(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func profileGranularity(r *http.Request) timeseries.ProfileGranularity {
	switch r.URL.Query().Get("granularity") {
	case "weekly":
		return timeseries.ProfileWeekly
	case "monthly":
		return timeseries.ProfileMonthly
	default:
		return timeseries.ProfileHourly
	}
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
