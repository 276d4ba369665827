package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"devicepool/internal/device"
	"devicepool/internal/diag"
	"devicepool/internal/eventbus"
	rtsup "devicepool/internal/runtime/supervisor"
	logx "devicepool/pkg/logx"
)

// Pool schedules jobs onto devices. It is the only type application code
// talks to; all methods are safe for concurrent use.
type Pool struct {
	mu sync.Mutex // guards cfg, workers, generation, jobCount, closed

	cfg        Config
	workers    []*workerHandle
	generation uint64
	jobCount   int
	closed     bool

	log   logx.Logger
	bus   eventbus.Publisher
	sink  diag.Sink
	cache Cache
	echo  *rate.Limiter

	devices  []device.Device
	queues   []*deviceQueue
	contexts []*deviceContext
	runs     *runRegistry
	table    *jobTable

	progressCh chan progressMsg
	finishedCh chan finishedMsg
	logsCh     chan diag.LogRecord

	// stopCh is closed once Join has drained the listeners; it releases any
	// abandoned worker still trying to report.
	stopCh    chan struct{}
	listeners *rtsup.Supervisor
	joinOnce  sync.Once

	logsDropped atomic.Uint64
	recycles    atomic.Uint64
}

// workerHandle binds one worker generation to one device.
type workerHandle struct {
	index int
	name  string
	gen   uint64
	runID string
	sup   *rtsup.Supervisor
}

func (w *workerHandle) goroutine() string { return "device." + w.name }

type Option func(*Pool)

func WithLogger(log logx.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithBus publishes job lifecycle events on bus.
func WithBus(bus eventbus.Publisher) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithSink persists worker log lines and finished-job records.
func WithSink(sink diag.Sink) Option {
	return func(p *Pool) { p.sink = sink }
}

// WithCache hands a caller-owned cache to every job through JobContext.Cache.
func WithCache(c Cache) Option {
	return func(p *Pool) { p.cache = c }
}

// New validates cfg, starts the listeners and one worker per device.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := device.Validate(cfg.Devices); err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.Devices = device.Clone(cfg.Devices)

	p := &Pool{
		cfg:        cfg,
		devices:    cfg.Devices,
		table:      newJobTable(cfg.HistorySize, cfg.HistoryTTL),
		runs:       newRunRegistry(),
		progressCh: make(chan progressMsg, cfg.ChannelBuffer),
		finishedCh: make(chan finishedMsg, cfg.ChannelBuffer),
		logsCh:     make(chan diag.LogRecord, cfg.ChannelBuffer),
		stopCh:     make(chan struct{}),
		echo:       rate.NewLimiter(rate.Limit(cfg.EchoRatePerSec), cfg.EchoRatePerSec),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}

	p.queues = make([]*deviceQueue, len(p.devices))
	p.contexts = make([]*deviceContext, len(p.devices))
	for i, d := range p.devices {
		p.queues[i] = newDeviceQueue()
		p.contexts[i] = &deviceContext{index: i, dev: d}
	}

	p.listeners = rtsup.New(context.Background(), rtsup.WithLogger(p.log.With(logx.String("comp", "pool.listeners"))))
	p.startListeners()

	p.mu.Lock()
	p.startWorkersLocked()
	p.mu.Unlock()

	p.sendLog(diag.LogRecord{At: time.Now(), Message: fmt.Sprintf("pool started with %d devices", len(p.devices))})
	p.log.Info("device pool started",
		logx.Int("devices", len(p.devices)),
		logx.Int("max_jobs_per_worker", cfg.MaxJobsPerWorker),
		logx.Duration("join_timeout", cfg.JoinTimeout),
	)
	return p, nil
}

func (p *Pool) joinTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.JoinTimeout
}

// Devices returns a copy of the configured devices in index order.
func (p *Pool) Devices() []device.Device { return device.Clone(p.devices) }

func (p *Pool) contextByName(name string) *deviceContext {
	if i := device.Index(p.devices, name); i >= 0 {
		return p.contexts[i]
	}
	return nil
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	args Args
	pin  string
}

// WithArgs sets positional arguments.
func WithArgs(args ...any) SubmitOption {
	return func(o *submitOptions) { o.args.Positional = args }
}

// WithNamed sets named arguments.
func WithNamed(named map[string]any) SubmitOption {
	return func(o *submitOptions) { o.args.Named = named }
}

// OnDevice pins the job to the named device, overriding load balancing.
func OnDevice(name string) SubmitOption {
	return func(o *submitOptions) { o.pin = strings.TrimSpace(name) }
}

// Submit enqueues fn under key without blocking.
//
// Every MaxJobsPerWorker+1-th submission first recycles all workers and
// resets the counter. A key that is still pending or active is rejected with
// ErrDuplicateKey; a finished key may be resubmitted.
func (p *Pool) Submit(key string, fn JobFunc, opts ...SubmitOption) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if fn == nil {
		return ErrNilJob
	}
	var so submitOptions
	for _, o := range opts {
		if o != nil {
			o(&so)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.table.outstanding(key) {
		return fmt.Errorf("submit %q: %w", key, ErrDuplicateKey)
	}

	p.jobCount++
	p.log.Debug("pool job count", logx.Int("count", p.jobCount))
	if p.jobCount > p.cfg.MaxJobsPerWorker {
		p.recycleLocked()
		p.jobCount = 0
	}

	idx := p.nextDeviceLocked(so.pin)
	dev := p.devices[idx]
	now := time.Now()
	if err := p.table.addPending(key, dev.Name, now); err != nil {
		return fmt.Errorf("submit %q: %w", key, err)
	}
	if err := p.queues[idx].push(queuedJob{key: key, fn: fn, args: so.args, enqueuedAt: now}); err != nil {
		p.table.removePending(key)
		return fmt.Errorf("submit %q to %s: %w", key, dev.Name, err)
	}

	p.log.Info("assigning job to device", logx.String("key", key), logx.Int("index", idx), logx.String("device", dev.String()))
	p.publish(EventJobSubmitted, JobEvent{Key: key, Device: dev.Name})
	return nil
}

// Cancel records a cancel request for key and always returns true.
//
// If key is running its flag is raised now, including a run left detached by
// Recycle or Join. If it is still queued the job is not removed: it starts
// normally and its flag is raised when its first progress update arrives.
// Unknown keys are recorded too.
func (p *Pool) Cancel(key string) bool {
	dev, active := p.table.requestCancel(key, time.Now())
	if p.runs.cancel(key) {
		p.log.Info("cancelling job", logx.String("key", key), logx.String("device", dev))
		return true
	}
	if !active {
		p.log.Debug("cancelled job has not been started yet", logx.String("key", key))
	}
	return true
}

// Done reports the state of key and its last known progress. Pending and
// active keys are not finished; keys never submitted (or evicted) are
// StateUnknown with progress 0.
func (p *Pool) Done(key string) (State, int) {
	st, progress := p.table.done(key)
	if st == StateUnknown {
		p.log.Debug("checking status for unknown job", logx.String("key", key))
	}
	return st, progress
}

// Status returns every known job: pending, active and finished. Order is unspecified.
func (p *Pool) Status() []StatusEntry { return p.table.status() }

// JobDevice returns the device a pending or active job is assigned to.
func (p *Pool) JobDevice(key string) (device.Device, bool) {
	name, ok := p.table.deviceOf(key)
	if !ok {
		return device.Device{}, false
	}
	i := device.Index(p.devices, name)
	if i < 0 {
		return device.Device{}, false
	}
	return p.devices[i], true
}

// JobCount returns the submissions counted toward the next recycle.
func (p *Pool) JobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobCount
}

// Recycle replaces every worker. Queued jobs stay in their device queues and
// are picked up by the new workers.
func (p *Pool) Recycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.recycleLocked()
}

func (p *Pool) recycleLocked() {
	start := time.Now()
	old := p.workers
	p.workers = nil
	abandoned, dead := p.stopWorkers(old, p.cfg.JoinTimeout)

	p.log.Info("starting new workers")
	p.startWorkersLocked()
	p.recycles.Add(1)

	ev := RecycleEvent{Generation: p.generation, Abandoned: abandoned, Dead: dead, Took: time.Since(start)}
	p.log.Info("workers recycled",
		logx.Uint64("generation", ev.Generation),
		logx.Int("abandoned", len(abandoned)),
		logx.Int("dead", len(dead)),
		logx.Duration("took", ev.Took),
	)
	p.publish(EventRecycled, ev)
}

func (p *Pool) startWorkersLocked() {
	p.generation++
	gen := p.generation
	p.workers = make([]*workerHandle, len(p.devices))
	for i, d := range p.devices {
		w := &workerHandle{
			index: i,
			name:  d.Name,
			gen:   gen,
			runID: uuid.NewString(),
		}
		w.sup = rtsup.New(context.Background(), rtsup.WithLogger(p.log.With(logx.String("comp", "pool.worker"))))
		p.queues[i].bind(gen)
		p.log.Debug("starting worker for device", logx.String("device", d.String()), logx.Uint64("gen", gen))
		idx := i
		w.sup.Go(w.goroutine(), func(ctx context.Context) error {
			return p.runWorker(ctx, idx, gen, w.runID)
		})
		p.workers[i] = w
	}
}

// stopWorkers stops each worker in parallel: revoke its queue, cancel its
// context, wait up to timeout. Workers still running a job after timeout are
// abandoned; their job keeps running detached and may still report.
func (p *Pool) stopWorkers(workers []*workerHandle, timeout time.Duration) (abandoned, dead []string) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, w := range workers {
		if w == nil {
			continue
		}
		if !w.sup.Alive(w.goroutine()) {
			p.log.Warn("worker for device has died", logx.String("device", w.name), logx.Uint64("gen", w.gen))
			mu.Lock()
			dead = append(dead, w.name)
			mu.Unlock()
		}
		wg.Add(1)
		go func(w *workerHandle) {
			defer wg.Done()
			p.queues[w.index].bind(0)
			p.log.Debug("stopping worker for device", logx.String("device", w.name), logx.Uint64("gen", w.gen))
			if err := w.sup.StopTimeout(timeout); errors.Is(err, context.DeadlineExceeded) {
				p.log.Warn("worker did not stop in time; abandoning",
					logx.String("device", w.name),
					logx.String("key", p.contexts[w.index].currentKey()),
					logx.Duration("timeout", timeout),
				)
				mu.Lock()
				abandoned = append(abandoned, w.name)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return abandoned, dead
}

// Join stops every worker and listener, each bounded by JoinTimeout, then
// closes the queues. Jobs still queued never run; they are recorded as
// finished and cancelled with ErrClosed. Calling Join more than once is safe.
// Done and Status keep serving the last known state.
//
// The progress, finished and log channels are never closed: a worker
// abandoned after JoinTimeout may still be sending on them. Join closes
// stopCh instead, which releases such senders without a send on a closed
// channel.
func (p *Pool) Join() {
	p.joinOnce.Do(func() {
		p.log.Debug("stopping worker pool")

		p.mu.Lock()
		p.closed = true
		workers := p.workers
		p.workers = nil
		timeout := p.cfg.JoinTimeout
		p.mu.Unlock()

		p.stopWorkers(workers, timeout)

		for i, q := range p.queues {
			dropped := q.close()
			if len(dropped) == 0 {
				continue
			}
			dev := p.devices[i].Name
			p.log.Warn("dropping queued jobs", logx.String("device", dev), logx.Int("jobs", len(dropped)))
			for _, j := range dropped {
				rec := p.table.finish(finishedMsg{key: j.key, device: dev, cancelled: true, err: ErrClosed}, time.Now())
				p.publish(EventJobFinished, JobEvent{Key: rec.key, Device: rec.device, Cancelled: true, Error: rec.err})
			}
		}

		p.log.Debug("stopping listeners")
		if err := p.listeners.StopTimeout(timeout); err != nil {
			p.log.Warn("listeners did not stop in time", logx.Duration("timeout", timeout))
		}

		close(p.stopCh)
		p.log.Info("worker pool fully joined")
	})
}

// Apply updates the tunables of a running pool.
func (p *Pool) Apply(t Tunables) {
	p.mu.Lock()
	cfg := p.cfg
	cfg.MaxJobsPerWorker = t.MaxJobsPerWorker
	cfg.JoinTimeout = t.JoinTimeout
	cfg.HistorySize = t.HistorySize
	cfg.HistoryTTL = t.HistoryTTL
	cfg.EchoRatePerSec = t.EchoRatePerSec
	cfg = cfg.withDefaults()
	p.cfg = cfg
	p.mu.Unlock()

	p.table.setLimits(cfg.HistorySize, cfg.HistoryTTL)
	p.echo.SetLimit(rate.Limit(cfg.EchoRatePerSec))
	p.echo.SetBurst(cfg.EchoRatePerSec)
	p.log.Info("pool settings applied",
		logx.Int("max_jobs_per_worker", cfg.MaxJobsPerWorker),
		logx.Duration("join_timeout", cfg.JoinTimeout),
		logx.Int("history_size", cfg.HistorySize),
		logx.Duration("history_ttl", cfg.HistoryTTL),
	)
}

// Prune drops finished jobs older than HistoryTTL and returns how many.
func (p *Pool) Prune() int {
	n := p.table.prune(time.Now())
	if n > 0 {
		p.log.Debug("finished jobs pruned", logx.Int("count", n))
	}
	return n
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	snap := Snapshot{
		Closed:     p.closed,
		Generation: p.generation,
		JobCount:   p.jobCount,
	}
	workers := p.workers
	p.mu.Unlock()

	snap.Devices = make([]DeviceSnapshot, len(p.devices))
	for i, d := range p.devices {
		ds := DeviceSnapshot{
			Name:       d.Name,
			Provider:   d.Provider,
			Queued:     p.queues[i].length(),
			Busy:       p.queues[i].isBusy(),
			CurrentKey: p.contexts[i].currentKey(),
		}
		if i < len(workers) && workers[i] != nil {
			ds.Alive = workers[i].sup.Alive(workers[i].goroutine())
		}
		snap.Devices[i] = ds
	}

	c := p.table.counts()
	snap.Pending = c.pending
	snap.Active = c.active
	snap.Finished = c.finished
	snap.Cancelled = c.cancelled
	snap.LogsDropped = p.logsDropped.Load()
	snap.Recycles = p.recycles.Load()
	return snap
}
