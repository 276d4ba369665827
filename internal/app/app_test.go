package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"devicepool/internal/config"
	"devicepool/internal/pool"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devicepool.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMapPoolConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Logging: config.LoggingConfig{EchoRatePerSec: 3},
		Pool: config.PoolConfig{
			MaxJobsPerWorker: 4,
			JoinTimeout:      "250ms",
			HistoryTTL:       "1h",
			Devices:          []config.DeviceConfig{{Name: " cuda ", Provider: "CUDAExecutionProvider"}},
		},
	}
	pc, err := mapPoolConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if pc.MaxJobsPerWorker != 4 || pc.JoinTimeout != 250*time.Millisecond || pc.HistoryTTL != time.Hour || pc.EchoRatePerSec != 3 {
		t.Fatalf("pool config = %+v", pc)
	}
	if pc.Devices[0].Name != "cuda" {
		t.Fatalf("device name not trimmed: %q", pc.Devices[0].Name)
	}

	cfg.Pool.JoinTimeout = ""
	pc, _ = mapPoolConfig(cfg)
	if pc.JoinTimeout != pool.DefaultJoinTimeout {
		t.Fatalf("default join timeout = %v", pc.JoinTimeout)
	}
}

func TestMapDiagConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.DiagnosticsConfig
		enabled bool
		wantErr bool
	}{
		{"omitted", nil, false, false},
		{"none", &config.DiagnosticsConfig{Driver: "none"}, false, false},
		{"file", &config.DiagnosticsConfig{Driver: "file", Path: "./diag/x"}, true, false},
		{"sqlite without path", &config.DiagnosticsConfig{Driver: "sqlite"}, false, true},
		{"sqlite", &config.DiagnosticsConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, true, false},
		{"unknown", &config.DiagnosticsConfig{Driver: "redis"}, false, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, enabled, err := mapDiagConfig(&config.Config{Diagnostics: tt.in})
			if (err != nil) != tt.wantErr || enabled != tt.enabled {
				t.Fatalf("mapDiagConfig = enabled %v err %v", enabled, err)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"@every 1m", "*/5 * * * *", "0 */2 * * * *"} {
		if err := validateSchedule(ok); err != nil {
			t.Fatalf("validateSchedule(%q): %v", ok, err)
		}
	}
	if err := validateSchedule("every minute"); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestAppRunsBurnIn(t *testing.T) {
	diagPrefix := filepath.Join(t.TempDir(), "diag", "pool")
	path := writeConfig(t, `
logging:
  level: error
pool:
  max_jobs_per_worker: 10
  join_timeout: 200ms
  prune_schedule: "@every 1s"
  devices:
    - {name: cpu0, provider: CPUExecutionProvider}
    - {name: cpu1, provider: CPUExecutionProvider}
diagnostics:
  driver: file
  path: `+diagPrefix+`
burn_in:
  jobs: 3
  steps: 2
  step_delay: 5ms
`)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries := a.Pool().Status()
		finished := 0
		for _, e := range entries {
			if e.Finished && strings.HasPrefix(e.Key, "burn-in-") {
				if e.Progress != 2 || e.Error != "" {
					t.Fatalf("burn-in entry = %+v", e)
				}
				finished++
			}
		}
		if finished == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("burn-in not finished: %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := a.Pool().JobCount(); got != 3 {
		t.Fatalf("JobCount = %d, want 3", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	b, err := os.ReadFile(diagPrefix + ".jobs.jsonl")
	if err != nil {
		t.Fatalf("read jobs diagnostics: %v", err)
	}
	if got := strings.Count(string(b), "burn-in-"); got != 3 {
		t.Fatalf("jobs diagnostics lines = %d, want 3", got)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, "pool:\n  devices: []\n")
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected error for config without devices")
	}
}
