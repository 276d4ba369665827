package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"devicepool/internal/diag"
	"devicepool/internal/eventbus"
	logx "devicepool/pkg/logx"
)

type progressMsg struct {
	key    string
	device string
	value  int
}

type finishedMsg struct {
	key       string
	device    string
	progress  int
	reported  bool
	cancelled bool
	err       error
	startedAt time.Time
	duration  time.Duration
}

func (m finishedMsg) errString() string {
	if m.err == nil {
		return ""
	}
	return m.err.Error()
}

// runWorker is the body of a device worker goroutine. It executes jobs from
// the device queue one at a time until its generation is stopped.
func (p *Pool) runWorker(ctx context.Context, idx int, gen uint64, runID string) error {
	q := p.queues[idx]
	dc := p.contexts[idx]
	log := p.log.With(
		logx.String("device", dc.dev.Name),
		logx.Uint64("gen", gen),
		logx.String("run", runID),
	)

	log.Debug("device worker started")
	p.sendLog(diag.LogRecord{At: time.Now(), Device: dc.dev.Name, Message: fmt.Sprintf("worker %s started (gen %d)", runID, gen)})

	for {
		j, ok := q.pop(ctx, gen)
		if !ok {
			log.Debug("device worker stopped")
			return nil
		}
		p.execute(ctx, dc, j, log)
		q.release(gen)
	}
}

// execute runs one job and always emits exactly one finished message.
func (p *Pool) execute(ctx context.Context, dc *deviceContext, j queuedJob, log logx.Logger) {
	run := &jobRun{key: j.key, startedAt: time.Now()}
	dc.current.Store(run)
	p.runs.add(run)
	defer func() {
		dc.current.CompareAndSwap(run, nil)
		p.runs.remove(run)
	}()

	queueDelay := run.startedAt.Sub(j.enqueuedAt)
	log.Info("job started", logx.String("key", j.key), logx.Duration("queue_delay", queueDelay))
	p.publish(EventJobStarted, JobEvent{Key: j.key, Device: dc.dev.Name})

	jc := &JobContext{ctx: ctx, dev: dc.dev, run: run, cache: p.cache, p: p}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("job panicked", logx.String("key", j.key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = j.fn(jc, j.args)
	}()

	dur := time.Since(run.startedAt)
	progress := int(run.progress.Load())
	reported := run.reported.Load()
	cancelled := run.cancelled.Load()

	if err != nil {
		log.Warn("job failed", logx.String("key", j.key), logx.Err(err), logx.Duration("dur", dur), logx.Bool("cancelled", cancelled))
		p.sendLog(diag.LogRecord{At: time.Now(), Device: dc.dev.Name, Key: j.key, Message: "job failed: " + err.Error()})
	} else {
		log.Info("job finished", logx.String("key", j.key), logx.Duration("dur", dur), logx.Int("progress", progress))
	}

	p.sendFinished(finishedMsg{
		key:       j.key,
		device:    dc.dev.Name,
		progress:  progress,
		reported:  reported,
		cancelled: cancelled,
		err:       err,
		startedAt: run.startedAt,
		duration:  dur,
	})
}

// sendProgress blocks while the progress channel is full, unless the pool is
// shutting down.
func (p *Pool) sendProgress(m progressMsg) {
	select {
	case p.progressCh <- m:
	case <-p.stopCh:
	}
}

func (p *Pool) sendFinished(m finishedMsg) {
	select {
	case p.finishedCh <- m:
	case <-p.stopCh:
		p.log.Warn("finished signal dropped: pool stopped", logx.String("key", m.key), logx.String("device", m.device))
	}
}

// sendLog never blocks; diagnostics must not stall a job.
func (p *Pool) sendLog(r diag.LogRecord) {
	select {
	case <-p.stopCh:
		return
	default:
	}
	select {
	case p.logsCh <- r:
	default:
		p.logsDropped.Add(1)
	}
}

func (p *Pool) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
