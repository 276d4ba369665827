package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"devicepool/internal/diag"
	logx "devicepool/pkg/logx"
)

const sinkTimeout = 2 * time.Second

// startListeners runs one consumer per channel. Each consumer is the only
// writer of its part of the job table.
func (p *Pool) startListeners() {
	p.listeners.GoRestart("listener.progress", p.restartBackoff(), func(ctx context.Context) error {
		return listen[progressMsg](ctx, p.progressCh, safe(p.log, "progress", p.handleProgress))
	})
	p.listeners.GoRestart("listener.finished", p.restartBackoff(), func(ctx context.Context) error {
		return listen[finishedMsg](ctx, p.finishedCh, safe(p.log, "finished", p.handleFinished))
	})
	p.listeners.GoRestart("listener.logs", p.restartBackoff(), func(ctx context.Context) error {
		return listen[diag.LogRecord](ctx, p.logsCh, safe(p.log, "logs", p.handleLog))
	})
}

func (p *Pool) restartBackoff() time.Duration {
	return p.joinTimeout() / 2
}

// listen drains ch until ctx is done. On shutdown it empties whatever is
// already buffered so the table reflects every message a worker managed to
// send. A closed channel is a clean exit.
func listen[T any](ctx context.Context, ch <-chan T, handle func(T)) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case m, ok := <-ch:
					if !ok {
						return nil
					}
					handle(m)
				default:
					return nil
				}
			}
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			handle(m)
		}
	}
}

// safe wraps a handler so a single bad message is logged and skipped.
func safe[T any](log logx.Logger, name string, fn func(T)) func(T) {
	return func(m T) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("listener message failed", logx.String("listener", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		fn(m)
	}
}

func (p *Pool) handleProgress(m progressMsg) {
	applied, cancelRequested := p.table.progress(m.key, m.device, m.value, time.Now())
	if !applied {
		p.log.Debug("late progress ignored", logx.String("key", m.key), logx.Int("progress", m.value))
		return
	}
	p.log.Debug("progress update", logx.String("key", m.key), logx.String("device", m.device), logx.Int("progress", m.value))
	p.publish(EventJobProgress, JobEvent{Key: m.key, Device: m.device, Progress: m.value})

	if cancelRequested {
		if p.contextByName(m.device) == nil {
			panic(fmt.Sprintf("progress from unknown device %q", m.device))
		}
		if p.runs.cancel(m.key) {
			p.log.Debug("setting flag for cancelled job", logx.String("key", m.key), logx.String("device", m.device))
		}
	}
}

func (p *Pool) handleFinished(m finishedMsg) {
	rec := p.table.finish(m, time.Now())
	p.log.Info("job has been finished",
		logx.String("key", rec.key),
		logx.String("device", rec.device),
		logx.Int("progress", rec.progress),
		logx.Bool("cancelled", rec.cancelled),
	)
	p.publish(EventJobFinished, JobEvent{
		Key:       rec.key,
		Device:    rec.device,
		Progress:  rec.progress,
		Cancelled: rec.cancelled,
		Error:     rec.err,
		Duration:  m.duration,
	})

	if p.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	err := p.sink.AppendJob(ctx, diag.JobRecord{
		At:        rec.at,
		Key:       rec.key,
		Device:    rec.device,
		Progress:  rec.progress,
		Cancelled: rec.cancelled,
		Error:     rec.err,
		Duration:  m.duration,
	})
	if err != nil {
		p.log.Warn("diagnostics job append failed", logx.String("key", rec.key), logx.Err(err))
	}
}

func (p *Pool) handleLog(r diag.LogRecord) {
	if p.echo.Allow() {
		p.log.Debug("worker log", logx.String("device", r.Device), logx.String("key", r.Key), logx.String("msg", r.Message))
	}
	if p.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := p.sink.AppendLog(ctx, r); err != nil {
		p.log.Warn("diagnostics log append failed", logx.Err(err))
	}
}
