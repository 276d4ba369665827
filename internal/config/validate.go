package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a parsed config without touching the filesystem or the pool.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	p := cfg.Pool
	if len(p.Devices) == 0 {
		errs = append(errs, errors.New("pool.devices: at least one device is required"))
	}
	seen := map[string]bool{}
	for i, d := range p.Devices {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("pool.devices[%d].name: required", i))
			continue
		}
		if strings.TrimSpace(d.Provider) == "" {
			errs = append(errs, fmt.Errorf("pool.devices[%d].provider: required", i))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("pool.devices[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
	}
	if p.MaxJobsPerWorker < 0 {
		errs = append(errs, errors.New("pool.max_jobs_per_worker: must be >= 0"))
	}
	if p.ChannelBuffer < 0 {
		errs = append(errs, errors.New("pool.channel_buffer: must be >= 0"))
	}
	if p.HistorySize < 0 {
		errs = append(errs, errors.New("pool.history_size: must be >= 0"))
	}
	if _, err := ParseDurationField("pool.join_timeout", p.JoinTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("pool.history_ttl", p.HistoryTTL); err != nil {
		errs = append(errs, err)
	}
	if cfg.Logging.EchoRatePerSec < 0 {
		errs = append(errs, errors.New("logging.echo_rate_per_sec: must be >= 0"))
	}

	if d := cfg.Diagnostics; d != nil {
		switch strings.ToLower(strings.TrimSpace(d.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("diagnostics.driver: unknown driver %q", d.Driver))
		}
		if _, err := ParseDurationField("diagnostics.busy_timeout", d.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("diagnostics.retention", d.Retention); err != nil {
			errs = append(errs, err)
		}
	}
	if b := cfg.BurnIn; b != nil {
		if b.Jobs < 0 || b.Steps < 0 {
			errs = append(errs, errors.New("burn_in: jobs and steps must be >= 0"))
		}
		if _, err := ParseDurationField("burn_in.step_delay", b.StepDelay); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SameDevices reports whether two configs declare the same device list.
// Device changes need a restart; the app uses this to warn on reload.
func SameDevices(a, b *Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Pool.Devices) != len(b.Pool.Devices) {
		return false
	}
	for i := range a.Pool.Devices {
		x, y := a.Pool.Devices[i], b.Pool.Devices[i]
		if strings.TrimSpace(x.Name) != strings.TrimSpace(y.Name) ||
			strings.TrimSpace(x.Provider) != strings.TrimSpace(y.Provider) ||
			hashOptions(x.Options) != hashOptions(y.Options) {
			return false
		}
	}
	return true
}
