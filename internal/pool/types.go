package pool

import (
	"time"

	"devicepool/internal/device"
)

const (
	DefaultMaxJobsPerWorker = 10
	DefaultJoinTimeout      = time.Second
	DefaultChannelBuffer    = 256
	DefaultHistorySize      = 200
	DefaultEchoRatePerSec   = 20
)

// Config controls the device pool.
type Config struct {
	Devices []device.Device

	// MaxJobsPerWorker is the pool-wide submission count after which every
	// worker is recycled.
	MaxJobsPerWorker int

	// JoinTimeout bounds how long Join/Recycle wait for each worker and listener.
	JoinTimeout time.Duration

	// ChannelBuffer is the capacity of the progress, finished and log channels.
	ChannelBuffer int

	// HistorySize caps the number of finished jobs kept (oldest evicted first).
	HistorySize int

	// HistoryTTL drops finished jobs (and their cancel records) older than this
	// when Prune runs. 0 disables TTL pruning.
	HistoryTTL time.Duration

	// EchoRatePerSec limits how many worker log lines per second are echoed
	// to the pool logger. Every line is still written to the diagnostics sink.
	EchoRatePerSec int
}

func (c Config) withDefaults() Config {
	if c.MaxJobsPerWorker <= 0 {
		c.MaxJobsPerWorker = DefaultMaxJobsPerWorker
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = DefaultChannelBuffer
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.HistoryTTL < 0 {
		c.HistoryTTL = 0
	}
	if c.EchoRatePerSec <= 0 {
		c.EchoRatePerSec = DefaultEchoRatePerSec
	}
	return c
}

// Tunables are the settings that can change on a running pool.
type Tunables struct {
	MaxJobsPerWorker int
	JoinTimeout      time.Duration
	HistorySize      int
	HistoryTTL       time.Duration
	EchoRatePerSec   int
}

// Args carries a job's positional and named arguments.
type Args struct {
	Positional []any
	Named      map[string]any
}

// At returns the i-th positional argument, or nil.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a.Positional) {
		return nil
	}
	return a.Positional[i]
}

// Get returns a named argument.
func (a Args) Get(name string) (any, bool) {
	if a.Named == nil {
		return nil, false
	}
	v, ok := a.Named[name]
	return v, ok
}

// JobFunc is the unit of work. It runs on a device worker and must call
// jc.ReportProgress at every meaningful step (e.g. once per diffusion step).
type JobFunc func(jc *JobContext, args Args) error

// State is the scheduling status of a job key.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateActive
	StateFinished
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Known reports whether the key has ever been submitted (and not evicted).
func (s State) Known() bool { return s != StateUnknown }

// Finished reports whether the key reached its terminal state.
func (s State) Finished() bool { return s == StateFinished }

// StatusEntry is one row of Status. Ordering across entries is unspecified.
type StatusEntry struct {
	Key       string `json:"key"`
	Device    string `json:"device"`
	Progress  int    `json:"progress"`
	Finished  bool   `json:"finished"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}

// DeviceSnapshot describes one device at a point in time.
type DeviceSnapshot struct {
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	Queued     int    `json:"queued"`
	Busy       bool   `json:"busy"`
	CurrentKey string `json:"current_key,omitempty"`
	Alive      bool   `json:"alive"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Closed     bool             `json:"closed"`
	Generation uint64           `json:"generation"`
	JobCount   int              `json:"job_count"`
	Devices    []DeviceSnapshot `json:"devices"`

	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Finished  int `json:"finished"`
	Cancelled int `json:"cancelled"`

	LogsDropped uint64 `json:"logs_dropped"`
	Recycles    uint64 `json:"recycles"`
}

// Event types published on the bus.
const (
	EventJobSubmitted = "pool.job.submitted"
	EventJobStarted   = "pool.job.started"
	EventJobProgress  = "pool.job.progress"
	EventJobFinished  = "pool.job.finished"
	EventRecycled     = "pool.recycled"
)

// JobEvent is the Data payload of pool.job.* events.
type JobEvent struct {
	Key       string        `json:"key"`
	Device    string        `json:"device"`
	Progress  int           `json:"progress,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// RecycleEvent is the Data payload of pool.recycled.
type RecycleEvent struct {
	Generation uint64        `json:"generation"`
	Abandoned  []string      `json:"abandoned,omitempty"`
	Dead       []string      `json:"dead,omitempty"`
	Took       time.Duration `json:"took"`
}
