package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"devicepool/internal/device"
	"devicepool/internal/eventbus"
)

func twoDevices() []device.Device {
	return []device.Device{
		{Name: "gpu0", Provider: "cuda:0"},
		{Name: "gpu1", Provider: "cuda:1"},
	}
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) *Pool {
	t.Helper()
	if len(cfg.Devices) == 0 {
		cfg.Devices = twoDevices()
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 100 * time.Millisecond
	}
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Join)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, p *Pool, key string, want State) {
	t.Helper()
	waitFor(t, key+" "+want.String(), func() bool {
		st, _ := p.Done(key)
		return st == want
	})
}

// gated returns a job that reports progress 1 and then blocks until gate closes.
func gated(gate <-chan struct{}) JobFunc {
	return func(jc *JobContext, _ Args) error {
		if err := jc.ReportProgress(1); err != nil {
			return err
		}
		<-gate
		return nil
	}
}

func quick(jc *JobContext, _ Args) error { return jc.ReportProgress(100) }

func findEntry(entries []StatusEntry, key string) (StatusEntry, bool) {
	for _, e := range entries {
		if e.Key == key {
			return e, true
		}
	}
	return StatusEntry{}, false
}

func TestNewRejectsInvalidDevices(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); !errors.Is(err, ErrNoDevices) {
		t.Fatalf("New(no devices) err = %v, want ErrNoDevices", err)
	}
	_, err := New(Config{Devices: []device.Device{{Name: "a", Provider: "cpu"}, {Name: "a", Provider: "cpu"}}})
	if err == nil {
		t.Fatal("expected duplicate device names to be rejected")
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	if err := p.Submit("", quick); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("empty key err = %v", err)
	}
	if err := p.Submit("k", nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("nil job err = %v", err)
	}
	if got := p.JobCount(); got != 0 {
		t.Fatalf("rejected submissions counted: %d", got)
	}
}

func TestLeastLoadedAssignment(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)
	p := newTestPool(t, Config{})

	want := map[string]string{"a": "gpu0", "b": "gpu1", "c": "gpu0"}
	for _, key := range []string{"a", "b", "c"} {
		if err := p.Submit(key, gated(gate)); err != nil {
			t.Fatalf("Submit(%s): %v", key, err)
		}
	}
	for key, dev := range want {
		got, ok := p.JobDevice(key)
		if !ok {
			t.Fatalf("JobDevice(%s) not found", key)
		}
		if got.Name != dev {
			t.Fatalf("JobDevice(%s) = %s, want %s", key, got.Name, dev)
		}
	}

	waitState(t, p, "a", StateActive)
	waitState(t, p, "b", StateActive)
	if st, _ := p.Done("c"); st != StatePending {
		t.Fatalf("c state = %v, want pending behind a", st)
	}
}

func TestOnDevicePinsAndFallsBack(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)
	p := newTestPool(t, Config{})

	if err := p.Submit("a", gated(gate), OnDevice("gpu1")); err != nil {
		t.Fatal(err)
	}
	if d, _ := p.JobDevice("a"); d.Name != "gpu1" {
		t.Fatalf("pinned job on %s, want gpu1", d.Name)
	}
	if err := p.Submit("b", gated(gate), OnDevice("nope")); err != nil {
		t.Fatal(err)
	}
	if d, _ := p.JobDevice("b"); d.Name != "gpu0" {
		t.Fatalf("unknown pin placed on %s, want least-loaded gpu0", d.Name)
	}
}

func TestDoneLifecycle(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	p := newTestPool(t, Config{Devices: []device.Device{{Name: "cpu", Provider: "cpu"}}})

	if st, prog := p.Done("missing"); st != StateUnknown || prog != 0 {
		t.Fatalf("Done(missing) = %v, %d", st, prog)
	}
	if err := p.Submit("first", gated(gate)); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("second", quick); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "first", StateActive)
	if st, prog := p.Done("first"); prog != 1 {
		t.Fatalf("Done(first) = %v, %d; want progress 1", st, prog)
	}
	if st, _ := p.Done("second"); st != StatePending {
		t.Fatalf("Done(second) = %v, want pending", st)
	}

	close(gate)
	waitState(t, p, "second", StateFinished)
	if st, prog := p.Done("second"); !st.Finished() || prog != 100 {
		t.Fatalf("Done(second) = %v, %d; want finished 100", st, prog)
	}
	if st, prog := p.Done("first"); !st.Finished() || prog != 1 {
		t.Fatalf("Done(first) = %v, %d; want finished 1", st, prog)
	}
}

func TestFinishedWithoutProgressReportsZero(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	if err := p.Submit("silent", func(*JobContext, Args) error { return nil }); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "silent", StateFinished)
	if _, prog := p.Done("silent"); prog != 0 {
		t.Fatalf("progress = %d, want 0", prog)
	}
}

func TestCancelQueuedJobStopsAtFirstProgress(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	p := newTestPool(t, Config{Devices: []device.Device{{Name: "cpu", Provider: "cpu"}}})

	if err := p.Submit("blocker", gated(gate)); err != nil {
		t.Fatal(err)
	}
	var steps atomic.Int32
	loop := func(jc *JobContext, _ Args) error {
		for i := 0; i < 200; i++ {
			if err := jc.ReportProgress(i); err != nil {
				return err
			}
			steps.Add(1)
			time.Sleep(2 * time.Millisecond)
		}
		return nil
	}
	if err := p.Submit("victim", loop); err != nil {
		t.Fatal(err)
	}
	if !p.Cancel("victim") {
		t.Fatal("Cancel returned false")
	}
	if st, _ := p.Done("victim"); st != StatePending {
		t.Fatalf("cancel removed queued job: state %v", st)
	}
	close(gate)

	waitState(t, p, "victim", StateFinished)
	e, ok := findEntry(p.Status(), "victim")
	if !ok {
		t.Fatal("victim missing from Status")
	}
	if !e.Cancelled {
		t.Fatal("victim not marked cancelled")
	}
	if !strings.Contains(e.Error, ErrCancelled.Error()) {
		t.Fatalf("victim error = %q, want %q", e.Error, ErrCancelled)
	}
	if steps.Load() >= 200 {
		t.Fatal("victim ran to completion")
	}

	// The flag is bound to the cancelled run and must not leak.
	if err := p.Submit("after", quick); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "after", StateFinished)
	if e, _ := findEntry(p.Status(), "after"); e.Cancelled || e.Error != "" {
		t.Fatalf("next job inherited cancel: %+v", e)
	}
}

func TestCancelQueuedJobThatFinishesFast(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{
		Devices:          []device.Device{{Name: "cpu", Provider: "cpu"}},
		MaxJobsPerWorker: 100,
	})

	// Two reports back to back, then return: the job may finish before the
	// progress listener raises its flag.
	fast := func(jc *JobContext, _ Args) error {
		if err := jc.ReportProgress(1); err != nil {
			return err
		}
		return jc.ReportProgress(2)
	}
	for i := 0; i < 20; i++ {
		gate := make(chan struct{})
		blocker := fmt.Sprintf("blocker-%d", i)
		key := fmt.Sprintf("fast-%d", i)
		if err := p.Submit(blocker, gated(gate)); err != nil {
			t.Fatal(err)
		}
		if err := p.Submit(key, fast); err != nil {
			t.Fatal(err)
		}
		p.Cancel(key)
		close(gate)

		waitState(t, p, key, StateFinished)
		e, ok := findEntry(p.Status(), key)
		if !ok || !e.Cancelled {
			t.Fatalf("%s: entry = %+v, want cancelled", key, e)
		}
		if e, _ := findEntry(p.Status(), blocker); e.Cancelled {
			t.Fatalf("%s marked cancelled", blocker)
		}
	}
}

func TestCancelReachesRunAbandonedByRecycle(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{
		Devices:          []device.Device{{Name: "cpu", Provider: "cpu"}},
		MaxJobsPerWorker: 1,
		JoinTimeout:      30 * time.Millisecond,
	})

	// stuck ignores its context and only stops on a cancel.
	var steps atomic.Int32
	stuck := func(jc *JobContext, _ Args) error {
		for i := 0; i < 300; i++ {
			if err := jc.ReportProgress(i); err != nil {
				return err
			}
			steps.Add(1)
			time.Sleep(2 * time.Millisecond)
		}
		return nil
	}
	if err := p.Submit("stuck", stuck); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "stuck", StateActive)

	// The second submission recycles and abandons the stuck worker.
	if err := p.Submit("next", quick); err != nil {
		t.Fatal(err)
	}
	if got := p.Snapshot().Recycles; got != 1 {
		t.Fatalf("Recycles = %d, want 1", got)
	}
	p.Cancel("stuck")

	waitState(t, p, "stuck", StateFinished)
	if n := steps.Load(); n >= 300 {
		t.Fatalf("abandoned job ran all %d steps", n)
	}
	if e, _ := findEntry(p.Status(), "stuck"); !e.Cancelled {
		t.Fatalf("stuck entry = %+v, want cancelled", e)
	}
	waitState(t, p, "next", StateFinished)
}

func TestCancelActiveJob(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	started := make(chan struct{})
	job := func(jc *JobContext, _ Args) error {
		_ = jc.ReportProgress(0)
		close(started)
		for !jc.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return jc.ReportProgress(7)
	}
	if err := p.Submit("long", job); err != nil {
		t.Fatal(err)
	}
	<-started
	waitState(t, p, "long", StateActive)
	p.Cancel("long")
	waitState(t, p, "long", StateFinished)
	if st, prog := p.Done("long"); !st.Finished() || prog != 7 {
		t.Fatalf("Done(long) = %v, %d", st, prog)
	}
}

func TestCancelUnknownKeyReturnsTrue(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	if !p.Cancel("ghost") {
		t.Fatal("Cancel(ghost) = false")
	}
	if st, _ := p.Done("ghost"); st != StateUnknown {
		t.Fatalf("Cancel created job state %v", st)
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	p := newTestPool(t, Config{})
	if err := p.Submit("k", gated(gate)); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("k", quick); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate err = %v", err)
	}
	close(gate)
	waitState(t, p, "k", StateFinished)

	if err := p.Submit("k", quick); err != nil {
		t.Fatalf("resubmit finished key: %v", err)
	}
	waitState(t, p, "k", StateFinished)
	if _, prog := p.Done("k"); prog != 100 {
		t.Fatalf("resubmitted progress = %d, want 100", prog)
	}
}

func TestStatusListsEveryKey(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)
	p := newTestPool(t, Config{})

	for _, key := range []string{"q1", "q2"} {
		if err := p.Submit(key, quick); err != nil {
			t.Fatal(err)
		}
	}
	waitState(t, p, "q1", StateFinished)
	waitState(t, p, "q2", StateFinished)
	if err := p.Submit("slow", gated(gate)); err != nil {
		t.Fatal(err)
	}

	entries := p.Status()
	if len(entries) != 3 {
		t.Fatalf("Status len = %d, want 3: %+v", len(entries), entries)
	}
	finished := 0
	for _, e := range entries {
		if e.Finished {
			finished++
		}
	}
	if finished != 2 {
		t.Fatalf("finished entries = %d, want 2", finished)
	}
}

func TestPanickingJobIsRecorded(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	if err := p.Submit("boom", func(jc *JobContext, _ Args) error {
		_ = jc.ReportProgress(3)
		panic("kaboom")
	}); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "boom", StateFinished)
	e, _ := findEntry(p.Status(), "boom")
	if !strings.Contains(e.Error, "kaboom") || e.Progress != 3 {
		t.Fatalf("entry = %+v", e)
	}

	// The worker survives and keeps serving its device.
	if err := p.Submit("next", quick, OnDevice(e.Device)); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "next", StateFinished)
}

func TestArgsReachJob(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	got := make(chan string, 1)
	job := func(jc *JobContext, args Args) error {
		prompt, _ := args.Get("prompt")
		got <- args.At(0).(string) + "/" + prompt.(string) + "/" + jc.Key()
		return nil
	}
	if err := p.Submit("img", job, WithArgs("sdxl"), WithNamed(map[string]any{"prompt": "cat"})); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		if s != "sdxl/cat/img" {
			t.Fatalf("args = %q", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestRecycleEveryNJobs(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	recycled, unsub := bus.Subscribe(EventRecycled, 4)
	defer unsub()

	gate := make(chan struct{})
	p := newTestPool(t, Config{
		Devices:          []device.Device{{Name: "cpu", Provider: "cpu"}},
		MaxJobsPerWorker: 2,
		JoinTimeout:      50 * time.Millisecond,
	}, WithBus(bus))

	// stuck ignores its context so the recycle has to abandon it.
	if err := p.Submit("stuck", gated(gate)); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("queued", quick); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "stuck", StateActive)
	if got := p.JobCount(); got != 2 {
		t.Fatalf("JobCount = %d, want 2", got)
	}

	if err := p.Submit("third", quick); err != nil {
		t.Fatal(err)
	}
	if got := p.JobCount(); got != 0 {
		t.Fatalf("JobCount after recycle = %d, want 0", got)
	}

	select {
	case e := <-recycled:
		ev := e.Data.(RecycleEvent)
		if ev.Generation != 2 || len(ev.Abandoned) != 1 || ev.Abandoned[0] != "cpu" {
			t.Fatalf("recycle event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no recycle event")
	}

	// Queued work survives the recycle and runs on the new worker.
	waitState(t, p, "queued", StateFinished)
	waitState(t, p, "third", StateFinished)
	if st, _ := p.Done("stuck"); st != StateActive {
		t.Fatalf("stuck state = %v, want still active", st)
	}

	// The abandoned job still reports its result.
	close(gate)
	waitState(t, p, "stuck", StateFinished)

	snap := p.Snapshot()
	if snap.Recycles != 1 || snap.Generation != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestManualRecycleKeepsCounter(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxJobsPerWorker: 5})
	if err := p.Submit("a", quick); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "a", StateFinished)
	p.Recycle()
	if got := p.JobCount(); got != 1 {
		t.Fatalf("JobCount = %d, want 1", got)
	}
	if err := p.Submit("b", quick); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "b", StateFinished)
	for _, d := range p.Snapshot().Devices {
		if !d.Alive {
			t.Fatalf("device %s has no live worker after recycle", d.Name)
		}
	}
	if got := p.Snapshot().Generation; got != 2 {
		t.Fatalf("Generation = %d, want 2", got)
	}
}

func TestHistoryCap(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{HistorySize: 2})
	for _, key := range []string{"j1", "j2", "j3"} {
		if err := p.Submit(key, quick); err != nil {
			t.Fatal(err)
		}
		waitState(t, p, key, StateFinished)
	}
	if st, _ := p.Done("j1"); st != StateUnknown {
		t.Fatalf("oldest job state = %v, want evicted", st)
	}
	if got := len(p.Status()); got != 2 {
		t.Fatalf("Status len = %d, want 2", got)
	}
}

func TestJoinStopsPool(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Devices: twoDevices(), JoinTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("a", quick); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "a", StateFinished)

	p.Join()
	p.Join()

	if err := p.Submit("b", quick); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Join err = %v", err)
	}
	if st, prog := p.Done("a"); !st.Finished() || prog != 100 {
		t.Fatalf("Done after Join = %v, %d", st, prog)
	}
	if !p.Snapshot().Closed {
		t.Fatal("snapshot not closed")
	}
}

func TestJoinAbandonsStuckJob(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)
	p, err := New(Config{Devices: twoDevices(), JoinTimeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("stuck", gated(gate)); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "stuck", StateActive)

	done := make(chan struct{})
	go func() {
		p.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Join blocked on a stuck job")
	}
}

func TestJoinFinishesQueuedJobsAsCancelled(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)
	p := newTestPool(t, Config{
		Devices:     []device.Device{{Name: "cpu", Provider: "cpu"}},
		JoinTimeout: 30 * time.Millisecond,
	})
	if err := p.Submit("blocker", gated(gate)); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("queued", quick); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, "blocker", StateActive)

	p.Join()

	if st, _ := p.Done("queued"); st != StateFinished {
		t.Fatalf("queued state after Join = %v, want finished", st)
	}
	e, ok := findEntry(p.Status(), "queued")
	if !ok || !e.Cancelled || !strings.Contains(e.Error, ErrClosed.Error()) {
		t.Fatalf("queued entry = %+v", e)
	}
	if c := p.Snapshot().Pending; c != 0 {
		t.Fatalf("Pending after Join = %d, want 0", c)
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe("pool.job.", 32)
	defer unsub()
	p := newTestPool(t, Config{}, WithBus(bus))

	if err := p.Submit("e", quick); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for !seen[EventJobFinished] {
		select {
		case e := <-events:
			seen[e.Type] = true
		case <-timeout:
			t.Fatalf("events seen: %v", seen)
		}
	}
	for _, typ := range []string{EventJobSubmitted, EventJobStarted, EventJobProgress} {
		if !seen[typ] {
			t.Fatalf("missing %s; seen %v", typ, seen)
		}
	}
}

func TestApplyShrinksHistory(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	for _, key := range []string{"a", "b", "c"} {
		if err := p.Submit(key, quick); err != nil {
			t.Fatal(err)
		}
		waitState(t, p, key, StateFinished)
	}
	p.Apply(Tunables{MaxJobsPerWorker: 4, JoinTimeout: time.Second, HistorySize: 1})
	if got := len(p.Status()); got != 1 {
		t.Fatalf("Status len = %d, want 1", got)
	}
	if st, _ := p.Done("c"); !st.Finished() {
		t.Fatalf("newest job evicted: %v", st)
	}
}

func TestJobCacheShared(t *testing.T) {
	t.Parallel()
	cache := NewMapCache()
	p := newTestPool(t, Config{Devices: []device.Device{{Name: "cpu", Provider: "cpu"}}}, WithCache(cache))
	load := func(jc *JobContext, _ Args) error {
		n, _ := jc.Cache().Get("loads")
		c, _ := n.(int)
		jc.Cache().Set("loads", c+1)
		return nil
	}
	for _, key := range []string{"x", "y"} {
		if err := p.Submit(key, load); err != nil {
			t.Fatal(err)
		}
		waitState(t, p, key, StateFinished)
	}
	if v, _ := cache.Get("loads"); v != 2 {
		t.Fatalf("loads = %v, want 2", v)
	}
}
