package pool

import logx "devicepool/pkg/logx"

// leastLoaded returns the index with the smallest load, lowest index on ties.
// An empty slice yields 0.
func leastLoaded(loads []int) int {
	best := 0
	for i := 1; i < len(loads); i++ {
		if loads[i] < loads[best] {
			best = i
		}
	}
	return best
}

// nextDeviceLocked picks the device for a new job. A pin by name wins over
// load balancing; an unknown pin falls back to load balancing.
//
// Load counts queued jobs plus the job the worker is running, so a device
// that just dequeued its only job is not mistaken for an idle one.
func (p *Pool) nextDeviceLocked(pin string) int {
	if pin != "" {
		for i := range p.devices {
			if p.devices[i].Name == pin {
				return i
			}
		}
		p.log.Warn("pinned device not configured; using least-loaded", logx.String("device", pin))
	}

	loads := make([]int, len(p.queues))
	for i, q := range p.queues {
		loads[i] = q.load()
	}
	idx := leastLoaded(loads)
	if p.log.Enabled(logx.LevelDebug) {
		p.log.Debug("jobs queued by device", logx.Any("loads", loads), logx.Int("selected", idx))
	}
	return idx
}
