package config

import (
	"reflect"
	"strings"

	logx "devicepool/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// structured attrs for logging the reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.EchoRatePerSec != newCfg.Logging.EchoRatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logx.echo_rate_per_sec", newCfg.Logging.EchoRatePerSec),
		)
	}

	op, np := oldCfg.Pool, newCfg.Pool
	if op.MaxJobsPerWorker != np.MaxJobsPerWorker ||
		strings.TrimSpace(op.JoinTimeout) != strings.TrimSpace(np.JoinTimeout) ||
		op.ChannelBuffer != np.ChannelBuffer ||
		op.HistorySize != np.HistorySize ||
		strings.TrimSpace(op.HistoryTTL) != strings.TrimSpace(np.HistoryTTL) ||
		strings.TrimSpace(op.PruneSchedule) != strings.TrimSpace(np.PruneSchedule) {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.Int("pool.max_jobs_per_worker", np.MaxJobsPerWorker),
			logx.String("pool.join_timeout", strings.TrimSpace(np.JoinTimeout)),
			logx.Int("pool.history_size", np.HistorySize),
			logx.String("pool.history_ttl", strings.TrimSpace(np.HistoryTTL)),
			logx.String("pool.prune_schedule", strings.TrimSpace(np.PruneSchedule)),
		)
	}

	if !SameDevices(oldCfg, newCfg) {
		changed = append(changed, "devices")
		attrs = append(attrs, logx.Int("pool.device_count", len(np.Devices)))
	}

	if !reflect.DeepEqual(derefDiagnostics(oldCfg.Diagnostics), derefDiagnostics(newCfg.Diagnostics)) {
		changed = append(changed, "diagnostics")
		d := derefDiagnostics(newCfg.Diagnostics)
		attrs = append(attrs,
			logx.String("diagnostics.driver", strings.TrimSpace(d.Driver)),
			logx.String("diagnostics.path", strings.TrimSpace(d.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.BurnIn, newCfg.BurnIn) {
		changed = append(changed, "burn_in")
	}

	return changed, attrs
}

func derefDiagnostics(d *DiagnosticsConfig) DiagnosticsConfig {
	if d == nil {
		return DiagnosticsConfig{}
	}
	return *d
}
