package app

import (
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"devicepool/internal/pool"
	logx "devicepool/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// pruner runs Pool.Prune on a cron schedule.
type pruner struct {
	mu   sync.Mutex
	c    *cron.Cron
	spec string
	p    *pool.Pool
	log  logx.Logger
}

func newPruner(p *pool.Pool, log logx.Logger) *pruner {
	return &pruner{p: p, log: log}
}

func validateSchedule(spec string) error {
	if _, err := cronParser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("pool.prune_schedule: invalid %q: %w", spec, err)
	}
	return nil
}

// Start (re)starts the cron with spec. Restarting with the same spec is a no-op.
func (r *pruner) Start(spec string) error {
	spec = strings.TrimSpace(spec)
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("pool.prune_schedule: invalid %q: %w", spec, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil && r.spec == spec {
		return nil
	}
	if r.c != nil {
		<-r.c.Stop().Done()
	}
	r.c = cron.New(cron.WithParser(cronParser))
	r.c.Schedule(sched, cron.FuncJob(r.run))
	r.c.Start()
	r.spec = spec
	r.log.Info("history pruning scheduled", logx.String("schedule", spec))
	return nil
}

func (r *pruner) run() {
	if n := r.p.Prune(); n > 0 {
		r.log.Info("finished jobs pruned", logx.Int("count", n))
	}
}

func (r *pruner) Stop() {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
