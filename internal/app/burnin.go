package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"devicepool/internal/pool"
	logx "devicepool/pkg/logx"
)

// burnInJob reports one progress update per step. It stops early on cancel
// or when its worker is stopped.
func burnInJob(steps int, delay time.Duration) pool.JobFunc {
	return func(jc *pool.JobContext, _ pool.Args) error {
		jc.Log("burn-in on %s (%s)", jc.Device().String(), jc.Device().RuntimeDevice())
		t := time.NewTicker(delay)
		defer t.Stop()
		for step := 1; step <= steps; step++ {
			select {
			case <-jc.Context().Done():
				return jc.Context().Err()
			case <-t.C:
			}
			if err := jc.ReportProgress(step); err != nil {
				return err
			}
		}
		return nil
	}
}

// runBurnIn submits synthetic jobs and waits for them to finish.
func runBurnIn(ctx context.Context, p *pool.Pool, bc burnInConfig, log logx.Logger) error {
	if bc.jobs <= 0 {
		return nil
	}
	keys := make([]string, 0, bc.jobs)
	for i := 0; i < bc.jobs; i++ {
		key := "burn-in-" + uuid.NewString()
		if err := p.Submit(key, burnInJob(bc.steps, bc.stepDelay)); err != nil {
			if errors.Is(err, pool.ErrClosed) {
				return nil
			}
			return err
		}
		keys = append(keys, key)
	}
	log.Info("burn-in submitted", logx.Int("jobs", len(keys)), logx.Int("steps", bc.steps))

	start := time.Now()
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		remaining, failed := 0, 0
		for _, key := range keys {
			st, _ := p.Done(key)
			if !st.Finished() {
				remaining++
			}
		}
		if remaining == 0 {
			mine := make(map[string]bool, len(keys))
			for _, key := range keys {
				mine[key] = true
			}
			for _, e := range p.Status() {
				if mine[e.Key] && e.Error != "" {
					failed++
				}
			}
			log.Info("burn-in finished",
				logx.Int("jobs", len(keys)),
				logx.Int("failed", failed),
				logx.Duration("took", time.Since(start)),
			)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
