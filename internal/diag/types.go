package diag

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("diagnostics sink closed")

// Config configures the diagnostics sink.
//
// If Driver is empty or "none", diagnostics are disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops sqlite rows older than this on periodic prunes. 0 keeps everything.
	Retention time.Duration
}

// LogRecord is one free-form message emitted by a running job or worker.
type LogRecord struct {
	At      time.Time `json:"at"`
	Device  string    `json:"device,omitempty"`
	Key     string    `json:"key,omitempty"`
	Message string    `json:"message"`
}

// JobRecord summarizes a finished job.
type JobRecord struct {
	At        time.Time     `json:"at"`
	Key       string        `json:"key"`
	Device    string        `json:"device"`
	Progress  int           `json:"progress"`
	Cancelled bool          `json:"cancelled"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Sink is the write side used by the pool's listeners.
type Sink interface {
	AppendLog(ctx context.Context, r LogRecord) error
	AppendJob(ctx context.Context, r JobRecord) error
	Close() error
}
