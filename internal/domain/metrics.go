// Package domain holds the data model shared by the sampler core and its adapters.
package domain

import (
	"sort"
	"strings"
)

// Metric keys understood by the phone-side bridge app.
const (
	KeyCPUApp   = "cpu_fg_app_pct"
	KeyAppPSS   = "app_pss_mb"
	KeyFPSApp   = "fps_app"
	KeyCPUTotal = "cpu_total_pct"
	KeyMemTotal = "mem_total_mb"
	KeyMemAvail = "mem_avail_mb"
	KeyNetRx    = "net_rx_kbps"
	KeyNetTx    = "net_tx_kbps"

	KeyBatteryLevel   = "battery_pct"
	KeyBatteryTemp    = "battery_temp_c"
	KeyBatteryVoltage = "battery_voltage_v"

	// Per-core frequency keys are KeyPrefixCPUFreq + core index.
	KeyPrefixBattery = "battery_"
	KeyPrefixCPUFreq = "cpu_freq_khz_"
)

// SampleConfig is the monitoring request the phone-side app writes to its
// bridge config file. It may be stale or missing at any time.
type SampleConfig struct {
	Enabled       bool     `json:"enabled"`
	TargetPackage string   `json:"targetPackage"`
	SamplingMs    int      `json:"samplingMs"`
	MetricKeys    []string `json:"metricKeys"`
}

// Valid reports whether the config names a usable monitoring target.
func (c SampleConfig) Valid() bool {
	return c.Enabled && strings.TrimSpace(c.TargetPackage) != ""
}

// Normalize trims the target package and defaults SamplingMs to one second
// when unset or nonsensical.
func (c SampleConfig) Normalize() SampleConfig {
	c.TargetPackage = strings.TrimSpace(c.TargetPackage)
	if c.SamplingMs <= 0 {
		c.SamplingMs = 1000
	}
	return c
}

// WantedKeys returns the requested metric keys as a set.
func (c SampleConfig) WantedKeys() map[string]bool {
	want := make(map[string]bool, len(c.MetricKeys))
	for _, k := range c.MetricKeys {
		if k = strings.TrimSpace(k); k != "" {
			want[k] = true
		}
	}
	return want
}

// Signature is a compact identity of the config, used to log transitions
// only when something actually changed.
func (c SampleConfig) Signature() string {
	keys := make([]string, len(c.MetricKeys))
	copy(keys, c.MetricKeys)
	sort.Strings(keys)
	joined := "-"
	if len(keys) > 0 {
		joined = strings.Join(keys, ",")
	}
	state := "off"
	if c.Enabled {
		state = "on"
	}
	return state + "|" + c.TargetPackage + "|" + joined
}

// MetricSample is one cycle's worth of metric values for a single target
// package. It is created fresh each cycle and never mutated after being
// handed to the writer.
type MetricSample struct {
	Pkg string             `json:"pkg"`
	T   int64              `json:"t"`
	V   map[string]float64 `json:"v"`
}
