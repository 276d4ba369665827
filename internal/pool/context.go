package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"devicepool/internal/device"
	"devicepool/internal/diag"
)

// jobRun is one execution of a job on a device.
type jobRun struct {
	key       string
	startedAt time.Time
	cancelled atomic.Bool
	progress  atomic.Int64
	reported  atomic.Bool
}

// deviceContext tracks the run currently executing on one device.
type deviceContext struct {
	index   int
	dev     device.Device
	current atomic.Pointer[jobRun]
}

func (d *deviceContext) currentKey() string {
	if run := d.current.Load(); run != nil {
		return run.key
	}
	return ""
}

// runRegistry indexes live runs by key. A run stays registered until its
// function returns, even after Recycle or Join abandoned its worker, so a
// cancel can still reach it. A cancel flag is bound to one run and never
// leaks into the next job on the same device.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*jobRun
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: map[string]*jobRun{}}
}

func (r *runRegistry) add(run *jobRun) {
	r.mu.Lock()
	r.runs[run.key] = run
	r.mu.Unlock()
}

// remove unregisters run unless key already belongs to a newer run.
func (r *runRegistry) remove(run *jobRun) {
	r.mu.Lock()
	if r.runs[run.key] == run {
		delete(r.runs, run.key)
	}
	r.mu.Unlock()
}

// cancel raises the flag of the live run for key.
func (r *runRegistry) cancel(key string) bool {
	r.mu.Lock()
	run, ok := r.runs[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.cancelled.Store(true)
	return true
}

// Cache is caller-owned state shared by jobs across runs (loaded models,
// native sessions). The pool only hands it to jobs; it never inspects it.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, v any)
	Delete(key string)
}

// MapCache is a minimal concurrency-safe Cache.
type MapCache struct {
	mu sync.RWMutex
	m  map[string]any
}

func NewMapCache() *MapCache { return &MapCache{m: map[string]any{}} }

func (c *MapCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *MapCache) Set(key string, v any) {
	c.mu.Lock()
	c.m[key] = v
	c.mu.Unlock()
}

func (c *MapCache) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// JobContext is handed to a running JobFunc.
type JobContext struct {
	ctx   context.Context
	dev   device.Device
	run   *jobRun
	cache Cache
	p     *Pool
}

// Context is canceled when the worker running this job is stopped by Join
// or Recycle. It is not canceled by Cancel; use Cancelled for that.
func (jc *JobContext) Context() context.Context { return jc.ctx }

func (jc *JobContext) Key() string { return jc.run.key }

func (jc *JobContext) Device() device.Device { return jc.dev }

// Cache returns the pool's injected cache (nil if none was configured).
func (jc *JobContext) Cache() Cache { return jc.cache }

// Cancelled reports whether cancellation was requested for this job.
func (jc *JobContext) Cancelled() bool { return jc.run.cancelled.Load() }

// Progress returns the last value passed to ReportProgress.
func (jc *JobContext) Progress() int { return int(jc.run.progress.Load()) }

// ReportProgress publishes the job's progress. It returns ErrCancelled when
// the job should stop.
func (jc *JobContext) ReportProgress(value int) error {
	jc.run.progress.Store(int64(value))
	jc.run.reported.Store(true)
	jc.p.sendProgress(progressMsg{key: jc.run.key, device: jc.dev.Name, value: value})
	if jc.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Log writes a free-form diagnostics line tagged with the job and device.
func (jc *JobContext) Log(format string, args ...any) {
	jc.p.sendLog(diag.LogRecord{
		At:      time.Now(),
		Device:  jc.dev.Name,
		Key:     jc.run.key,
		Message: fmt.Sprintf(format, args...),
	})
}
