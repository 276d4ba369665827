package pool

import (
	"sync"
	"time"
)

type pendingJob struct {
	device string
	at     time.Time
}

type activeJob struct {
	device    string
	progress  int
	updatedAt time.Time
}

type finishedJob struct {
	seq       uint64
	key       string
	device    string
	progress  int
	cancelled bool
	err       string
	at        time.Time
}

type historyRef struct {
	key string
	seq uint64
}

// jobTable is the pool's view of every job key.
//
// Writers are split by map: Submit adds pending keys, the progress listener
// promotes keys to active, the finished listener moves them to finished.
// Readers (Done, Status, Cancel) may run on any goroutine, so the maps share
// one RWMutex.
type jobTable struct {
	mu sync.RWMutex

	pending   map[string]pendingJob
	active    map[string]activeJob
	finished  map[string]*finishedJob
	history   []historyRef // finished keys, oldest first
	cancelled map[string]time.Time

	seq         uint64
	historySize int
	ttl         time.Duration
}

func newJobTable(historySize int, ttl time.Duration) *jobTable {
	return &jobTable{
		pending:     map[string]pendingJob{},
		active:      map[string]activeJob{},
		finished:    map[string]*finishedJob{},
		cancelled:   map[string]time.Time{},
		historySize: historySize,
		ttl:         ttl,
	}
}

func (t *jobTable) setLimits(historySize int, ttl time.Duration) {
	t.mu.Lock()
	t.historySize = historySize
	t.ttl = ttl
	t.evictOverflowLocked()
	t.mu.Unlock()
}

// outstanding reports whether key is pending or active.
func (t *jobTable) outstanding(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, p := t.pending[key]
	_, a := t.active[key]
	return p || a
}

// addPending records a submitted key. A finished record for the same key is
// dropped: resubmitting is how callers retry.
func (t *jobTable) addPending(key, device string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[key]; ok {
		return ErrDuplicateKey
	}
	if _, ok := t.active[key]; ok {
		return ErrDuplicateKey
	}
	if _, ok := t.finished[key]; ok {
		delete(t.finished, key)
		delete(t.cancelled, key)
	}
	t.pending[key] = pendingJob{device: device, at: now}
	return nil
}

func (t *jobTable) removePending(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

// progress promotes key to active. It returns applied=false for keys that
// already finished (a late update must not resurrect them) and reports
// whether a cancel was requested for key.
func (t *jobTable) progress(key, device string, value int, now time.Time) (applied, cancelRequested bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, done := t.finished[key]; done {
		return false, false
	}
	delete(t.pending, key)
	t.active[key] = activeJob{device: device, progress: value, updatedAt: now}
	_, cancelRequested = t.cancelled[key]
	return true, cancelRequested
}

// finish records the terminal state of key and returns the stored record.
func (t *jobTable) finish(m finishedMsg, now time.Time) finishedJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress := 0
	if a, ok := t.active[m.key]; ok {
		progress = a.progress
	}
	if m.reported {
		// The worker's own last value wins over a progress update that
		// the progress listener has not applied yet.
		progress = m.progress
	}
	// A cancel requested before the run started reaches it through the
	// progress listener. A job that reported and finished before the
	// listener caught up still counts as cancelled.
	cancelled := m.cancelled
	if _, requested := t.cancelled[m.key]; requested && m.reported {
		cancelled = true
	}
	delete(t.pending, m.key)
	delete(t.active, m.key)

	t.seq++
	rec := &finishedJob{
		seq:       t.seq,
		key:       m.key,
		device:    m.device,
		progress:  progress,
		cancelled: cancelled,
		err:       m.errString(),
		at:        now,
	}
	t.finished[m.key] = rec
	t.history = append(t.history, historyRef{key: m.key, seq: rec.seq})
	t.evictOverflowLocked()
	return *rec
}

func (t *jobTable) evictOverflowLocked() {
	for len(t.finished) > t.historySize && len(t.history) > 0 {
		ref := t.history[0]
		t.history[0] = historyRef{}
		t.history = t.history[1:]
		if rec, ok := t.finished[ref.key]; ok && rec.seq == ref.seq {
			delete(t.finished, ref.key)
			t.dropCancelLocked(ref.key)
		}
	}
	t.compactHistoryLocked()
}

// compactHistoryLocked drops stale refs left behind by resubmitted keys.
func (t *jobTable) compactHistoryLocked() {
	if len(t.history) <= 2*len(t.finished)+16 {
		return
	}
	out := make([]historyRef, 0, len(t.finished))
	for _, ref := range t.history {
		if rec, ok := t.finished[ref.key]; ok && rec.seq == ref.seq {
			out = append(out, ref)
		}
	}
	t.history = out
}

func (t *jobTable) dropCancelLocked(key string) {
	if _, p := t.pending[key]; p {
		return
	}
	if _, a := t.active[key]; a {
		return
	}
	delete(t.cancelled, key)
}

// requestCancel records a cancel request and returns the device the key is
// active on, if any.
func (t *jobTable) requestCancel(key string, now time.Time) (device string, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cancelled[key]; !ok {
		t.cancelled[key] = now
	}
	if a, ok := t.active[key]; ok {
		return a.device, true
	}
	return "", false
}

func (t *jobTable) done(key string) (State, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	// Finished wins if a key is caught mid-promotion.
	if rec, ok := t.finished[key]; ok {
		return StateFinished, rec.progress
	}
	if a, ok := t.active[key]; ok {
		return StateActive, a.progress
	}
	if _, ok := t.pending[key]; ok {
		return StatePending, 0
	}
	return StateUnknown, 0
}

// deviceOf returns the device a pending or active key was assigned to.
func (t *jobTable) deviceOf(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.active[key]; ok {
		return a.device, true
	}
	if p, ok := t.pending[key]; ok {
		return p.device, true
	}
	return "", false
}

func (t *jobTable) status() []StatusEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]StatusEntry, 0, len(t.pending)+len(t.active)+len(t.finished))
	for key, p := range t.pending {
		if _, done := t.finished[key]; done {
			continue
		}
		_, c := t.cancelled[key]
		out = append(out, StatusEntry{Key: key, Device: p.device, Cancelled: c})
	}
	for key, a := range t.active {
		if _, done := t.finished[key]; done {
			continue
		}
		_, c := t.cancelled[key]
		out = append(out, StatusEntry{Key: key, Device: a.device, Progress: a.progress, Cancelled: c})
	}
	for key, rec := range t.finished {
		out = append(out, StatusEntry{
			Key:       key,
			Device:    rec.device,
			Progress:  rec.progress,
			Finished:  true,
			Cancelled: rec.cancelled,
			Error:     rec.err,
		})
	}
	return out
}

// prune drops finished records and orphan cancel records older than the TTL.
func (t *jobTable) prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-t.ttl)
	n := 0
	for key, rec := range t.finished {
		if rec.at.Before(cutoff) {
			delete(t.finished, key)
			t.dropCancelLocked(key)
			n++
		}
	}
	for key, at := range t.cancelled {
		if at.Before(cutoff) {
			t.dropCancelLocked(key)
		}
	}
	t.compactHistoryLocked()
	return n
}

type tableCounts struct {
	pending, active, finished, cancelled int
}

func (t *jobTable) counts() tableCounts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return tableCounts{
		pending:   len(t.pending),
		active:    len(t.active),
		finished:  len(t.finished),
		cancelled: len(t.cancelled),
	}
}
