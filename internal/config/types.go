package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pool    PoolConfig    `json:"pool"`

	// Diagnostics is optional; omitted means no diagnostics sink.
	Diagnostics *DiagnosticsConfig `json:"diagnostics,omitempty"`

	// BurnIn submits synthetic jobs at startup (smoke test for new devices).
	BurnIn *BurnInConfig `json:"burn_in,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`

	// EchoRatePerSec limits worker log lines echoed to the process log.
	// Every line still reaches the diagnostics sink. Default 20.
	EchoRatePerSec int `json:"echo_rate_per_sec,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PoolConfig controls the device pool.
//
// All durations are Go duration strings (e.g. "500ms", "1s", "1h").
//
// Defaults (when fields are omitted/zero):
//   - max_jobs_per_worker: 10
//   - join_timeout: "1s"
//   - channel_buffer: 256
//   - history_size: 200
//   - history_ttl: "0s" (disabled)
//   - prune_schedule: "@every 1m"
type PoolConfig struct {
	MaxJobsPerWorker int    `json:"max_jobs_per_worker,omitempty"`
	JoinTimeout      string `json:"join_timeout,omitempty"`
	ChannelBuffer    int    `json:"channel_buffer,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	HistoryTTL       string `json:"history_ttl,omitempty"`

	// PruneSchedule is a robfig/cron spec ("@every 1m", "*/5 * * * *").
	PruneSchedule string `json:"prune_schedule,omitempty"`

	Devices []DeviceConfig `json:"devices"`
}

type DeviceConfig struct {
	Name     string         `json:"name"`
	Provider string         `json:"provider"`
	Options  map[string]any `json:"options,omitempty"`
}

// UnmarshalJSON disallows unknown fields so a misspelled device key
// ("provder") fails the reload instead of silently dropping the provider.
func (d *DeviceConfig) UnmarshalJSON(b []byte) error {
	type tmp DeviceConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*d = DeviceConfig(t)
	return nil
}

// DiagnosticsConfig controls the optional diagnostics sink.
//
// Example:
//
//	"diagnostics": { "driver": "sqlite", "path": "./diag/devicepool.db" }
type DiagnosticsConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// Retention drops diagnostics rows older than this (sqlite only).
	Retention string `json:"retention,omitempty"`
}

type BurnInConfig struct {
	Jobs      int    `json:"jobs"`
	Steps     int    `json:"steps,omitempty"`
	StepDelay string `json:"step_delay,omitempty"`
}
