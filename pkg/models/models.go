// Package models contains the shared domain types for GridSense.
package models

import (
	"fmt"
	"time"
)

// Metric name constants for time-series records derived from a reading.
const (
	MetricPower       = "power_w"
	MetricVoltage     = "voltage_v"
	MetricCurrent     = "current_a"
	MetricEnergy      = "energy_wh"
	MetricPowerFactor = "power_factor"
	MetricFrequency   = "frequency_hz"
	MetricTHDVoltage  = "thd_voltage"
	MetricTHDCurrent  = "thd_current"
)

// TelemetryReading is one timestamped measurement package from a device.
// Readings are immutable: they are created by the producer, consumed once
// by the gateway and never updated.
type TelemetryReading struct {
	DeviceID    string            `json:"device_id"`
	SiteID      string            `json:"site_id"`
	Timestamp   time.Time         `json:"ts"`
	PowerW      float64           `json:"power_w"`
	VoltageV    *float64          `json:"voltage_v,omitempty"`
	CurrentA    *float64          `json:"current_a,omitempty"`
	EnergyWh    *float64          `json:"energy_wh,omitempty"`
	PowerFactor *float64          `json:"power_factor,omitempty"`
	FrequencyHz *float64          `json:"frequency_hz,omitempty"`
	DeviceMeta  map[string]string `json:"device_meta,omitempty"`
	Firmware    string            `json:"firmware,omitempty"`
}

// Validate checks the required fields of a reading.
func (r *TelemetryReading) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("reading missing device_id")
	}
	if r.SiteID == "" {
		return fmt.Errorf("reading missing site_id")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("reading missing timestamp")
	}
	if r.PowerW < 0 {
		return fmt.Errorf("reading has negative power: %f", r.PowerW)
	}
	return nil
}

// DeviceCommand is the outbound command payload published to
// site/{siteId}/device/{deviceId}/command.
type DeviceCommand struct {
	Cmd    string `json:"cmd"`
	Reason string `json:"reason"`
}
