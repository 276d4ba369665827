package app

import (
	"fmt"
	"strings"
	"time"

	"devicepool/internal/config"
	"devicepool/internal/device"
	"devicepool/internal/diag"
	"devicepool/internal/pool"
	logx "devicepool/pkg/logx"
)

const defaultPruneSchedule = "@every 1m"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDevices(cfg *config.Config) []device.Device {
	out := make([]device.Device, 0, len(cfg.Pool.Devices))
	for _, d := range cfg.Pool.Devices {
		out = append(out, device.Device{
			Name:     strings.TrimSpace(d.Name),
			Provider: strings.TrimSpace(d.Provider),
			Options:  d.Options,
		})
	}
	return out
}

func mapTunables(cfg *config.Config) (pool.Tunables, error) {
	join, err := config.ParseDurationOrDefault("pool.join_timeout", cfg.Pool.JoinTimeout, pool.DefaultJoinTimeout)
	if err != nil {
		return pool.Tunables{}, err
	}
	ttl, err := config.ParseDurationField("pool.history_ttl", cfg.Pool.HistoryTTL)
	if err != nil {
		return pool.Tunables{}, err
	}
	return pool.Tunables{
		MaxJobsPerWorker: cfg.Pool.MaxJobsPerWorker,
		JoinTimeout:      join,
		HistorySize:      cfg.Pool.HistorySize,
		HistoryTTL:       ttl,
		EchoRatePerSec:   cfg.Logging.EchoRatePerSec,
	}, nil
}

func mapPoolConfig(cfg *config.Config) (pool.Config, error) {
	t, err := mapTunables(cfg)
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Devices:          mapDevices(cfg),
		MaxJobsPerWorker: t.MaxJobsPerWorker,
		JoinTimeout:      t.JoinTimeout,
		ChannelBuffer:    cfg.Pool.ChannelBuffer,
		HistorySize:      t.HistorySize,
		HistoryTTL:       t.HistoryTTL,
		EchoRatePerSec:   t.EchoRatePerSec,
	}, nil
}

func pruneSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Pool.PruneSchedule); s != "" {
		return s
	}
	return defaultPruneSchedule
}

func mapDiagConfig(cfg *config.Config) (diag.Config, bool, error) {
	if cfg == nil || cfg.Diagnostics == nil {
		return diag.Config{}, false, nil
	}
	dc := cfg.Diagnostics
	driver := strings.ToLower(strings.TrimSpace(dc.Driver))
	if driver == "" || driver == "none" {
		return diag.Config{}, false, nil
	}
	path := strings.TrimSpace(dc.Path)
	retention, err := config.ParseDurationField("diagnostics.retention", dc.Retention)
	if err != nil {
		return diag.Config{}, false, err
	}

	switch driver {
	case "file":
		return diag.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return diag.Config{}, false, fmt.Errorf("diagnostics.path is required when diagnostics.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("diagnostics.busy_timeout", dc.BusyTimeout, time.Second)
		if err != nil {
			return diag.Config{}, false, err
		}
		return diag.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	default:
		return diag.Config{}, false, fmt.Errorf("unknown diagnostics.driver: %s", dc.Driver)
	}
}

type burnInConfig struct {
	jobs      int
	steps     int
	stepDelay time.Duration
}

func mapBurnIn(cfg *config.Config) (burnInConfig, error) {
	if cfg == nil || cfg.BurnIn == nil || cfg.BurnIn.Jobs <= 0 {
		return burnInConfig{}, nil
	}
	delay, err := config.ParseDurationOrDefault("burn_in.step_delay", cfg.BurnIn.StepDelay, 100*time.Millisecond)
	if err != nil {
		return burnInConfig{}, err
	}
	steps := cfg.BurnIn.Steps
	if steps <= 0 {
		steps = 5
	}
	return burnInConfig{jobs: cfg.BurnIn.Jobs, steps: steps, stepDelay: delay}, nil
}
