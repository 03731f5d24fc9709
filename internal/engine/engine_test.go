package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
	"github.com/aperturehq/aperture-sync/internal/queue"
	"github.com/aperturehq/aperture-sync/internal/store"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeReplayer records replay calls and answers them from a script.
type fakeReplayer struct {
	mu      sync.Mutex
	calls   []string // target ids in call order
	byCount map[string]int
	fail    func(target string, attempt int) error
	block   chan struct{} // when non-nil, every call waits on it
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{byCount: make(map[string]int)}
}

func (f *fakeReplayer) Replay(ctx context.Context, kind mutation.Kind, payload json.RawMessage) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	target := mutation.TargetID(kind, payload)
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.byCount[target]++
	attempt := f.byCount[target]
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(target, attempt)
	}
	return nil
}

func (f *fakeReplayer) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeReplayer) attempts(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byCount[target]
}

func newTestQueue(t *testing.T) *queue.Manager {
	t.Helper()
	return queue.New(store.NewMemory(), quietLogger())
}

func enqueueDeletes(t *testing.T, mgr *queue.Manager, ids ...string) {
	t.Helper()
	for _, id := range ids {
		payload := json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))
		if _, err := mgr.Enqueue(context.Background(), mutation.KindDeleteNote, payload); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
}

// drainAndWait requests a drain and waits for the engine to go idle.
func drainAndWait(t *testing.T, e *Engine) Result {
	t.Helper()
	e.RequestDrain()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !e.Draining() {
			if res, ok := e.LastResult(); ok {
				return res
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("engine did not finish draining")
	return Result{}
}

// Replays happen in enqueue order within a pass.
func TestDrainFIFO(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "n-1", "n-2", "n-3", "n-4")

	replayer := newFakeReplayer()
	e := New(mgr, replayer, Options{Logger: quietLogger()})
	defer e.Close()

	res := drainAndWait(t, e)
	if res.Succeeded != 4 || res.Failed != 0 || res.Total != 4 {
		t.Errorf("result = %+v, want 4/0/4", res)
	}

	want := []string{"n-1", "n-2", "n-3", "n-4"}
	got := replayer.callOrder()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call order = %v, want %v", got, want)
		}
	}

	n, _ := mgr.Count(context.Background())
	if n != 0 {
		t.Errorf("queue count = %d after full drain, want 0", n)
	}
}

// A failing mutation never blocks the ones behind it.
func TestFailureDoesNotBlockPass(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "bad", "good")

	replayer := newFakeReplayer()
	replayer.fail = func(target string, attempt int) error {
		if target == "bad" {
			return errors.New("remote 503")
		}
		return nil
	}
	e := New(mgr, replayer, Options{Logger: quietLogger()})
	defer e.Close()

	res := drainAndWait(t, e)
	if res.Succeeded != 1 || res.Failed != 1 || res.Total != 2 {
		t.Errorf("result = %+v, want 1/1/2", res)
	}

	// The failing mutation stays queued with its retry recorded.
	list, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("queue length = %d, want 1", len(list))
	}
	if list[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", list[0].RetryCount)
	}
	if list[0].LastError != "remote 503" {
		t.Errorf("last error = %q", list[0].LastError)
	}
}

// A mutation that fails twice then succeeds ends up in the success
// column, with its retry count having reached 2.
func TestRetryThenSuccess(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "flaky")

	replayer := newFakeReplayer()
	replayer.fail = func(target string, attempt int) error {
		if attempt <= 2 {
			return fmt.Errorf("attempt %d timed out", attempt)
		}
		return nil
	}
	e := New(mgr, replayer, Options{Logger: quietLogger()})
	defer e.Close()

	drainAndWait(t, e)
	list, _ := mgr.List(context.Background())
	if len(list) != 1 || list[0].RetryCount != 1 {
		t.Fatalf("after pass 1: %+v", list)
	}

	drainAndWait(t, e)
	list, _ = mgr.List(context.Background())
	if len(list) != 1 || list[0].RetryCount != 2 {
		t.Fatalf("after pass 2: %+v", list)
	}

	res := drainAndWait(t, e)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Errorf("final result = %+v, want success", res)
	}
	n, _ := mgr.Count(context.Background())
	if n != 0 {
		t.Errorf("queue not empty after eventual success")
	}
	if got := replayer.attempts("flaky"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

// An always-failing mutation is attempted at most MaxRetries times,
// then dropped and reported as a permanent failure.
func TestRetryBound(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "doomed")

	var orphaned []string
	replayer := newFakeReplayer()
	replayer.fail = func(string, int) error { return errors.New("always fails") }

	e := New(mgr, replayer, Options{
		Logger: quietLogger(),
		OnPermanentFailure: func(m mutation.QueuedMutation, reason string) {
			orphaned = append(orphaned, mutation.TargetID(m.Kind, m.Payload))
		},
	})
	defer e.Close()

	// Drive more passes than the retry budget allows.
	for i := 0; i < 5; i++ {
		drainAndWait(t, e)
	}

	if got := replayer.attempts("doomed"); got != MaxRetries {
		t.Errorf("attempts = %d, want exactly %d", got, MaxRetries)
	}
	n, _ := mgr.Count(context.Background())
	if n != 0 {
		t.Errorf("dropped mutation still queued")
	}
	if len(orphaned) != 1 || orphaned[0] != "doomed" {
		t.Errorf("permanent-failure hook calls = %v, want [doomed]", orphaned)
	}
}

// A mutation already at the retry limit (e.g. restored from a store
// written by a crashed process) is dropped without another attempt.
func TestExhaustedMutationNotReplayed(t *testing.T) {
	backing := store.NewMemory()
	ctx := context.Background()
	m := &mutation.QueuedMutation{
		Kind:       mutation.KindDeleteNote,
		Payload:    json.RawMessage(`{"id":"stale"}`),
		EnqueuedAt: time.Now(),
		RetryCount: MaxRetries,
		LastError:  "old failure",
	}
	if _, err := backing.Append(ctx, m); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	mgr := queue.New(backing, quietLogger())

	replayer := newFakeReplayer()
	e := New(mgr, replayer, Options{Logger: quietLogger()})
	defer e.Close()

	res := drainAndWait(t, e)
	if res.Failed != 1 || res.Succeeded != 0 {
		t.Errorf("result = %+v, want 0/1/1", res)
	}
	if got := replayer.attempts("stale"); got != 0 {
		t.Errorf("exhausted mutation was replayed %d times, want 0", got)
	}
}

// Triggering a drain while one is active yields at most one extra pass,
// and each queued mutation is replayed exactly once.
func TestSingleFlight(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "n-1", "n-2")

	replayer := newFakeReplayer()
	replayer.block = make(chan struct{})
	e := New(mgr, replayer, Options{Logger: quietLogger(), RerunDelay: time.Millisecond})
	defer e.Close()

	e.RequestDrain()
	// Burst of redundant triggers while the first pass is blocked.
	for i := 0; i < 10; i++ {
		e.RequestDrain()
	}
	close(replayer.block)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && e.Draining() {
		time.Sleep(2 * time.Millisecond)
	}
	if e.Draining() {
		t.Fatal("engine stuck draining")
	}

	if got := replayer.attempts("n-1"); got != 1 {
		t.Errorf("n-1 replayed %d times, want exactly 1", got)
	}
	if got := replayer.attempts("n-2"); got != 1 {
		t.Errorf("n-2 replayed %d times, want exactly 1", got)
	}
}

// A mutation enqueued during an active pass is picked up by the rerun
// pass, not stranded.
func TestRerunCoversLateEnqueue(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "early")

	replayer := newFakeReplayer()
	replayer.block = make(chan struct{})
	e := New(mgr, replayer, Options{Logger: quietLogger(), RerunDelay: time.Millisecond})
	defer e.Close()

	e.RequestDrain()
	// While the first pass is mid-flight, enqueue another and request
	// again.
	enqueueDeletes(t, mgr, "late")
	e.RequestDrain()
	close(replayer.block)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := mgr.Count(context.Background()); n == 0 && !e.Draining() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if got := replayer.attempts("late"); got != 1 {
		t.Errorf("late mutation replayed %d times, want 1", got)
	}
}

// Follow-up side effects fire once per unique affected entity.
func TestFollowUpDeduplicated(t *testing.T) {
	mgr := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		payload := json.RawMessage(`{"id":"p-1","fields":{"name":"x"}}`)
		if _, err := mgr.Enqueue(ctx, mutation.KindUpdateProject, payload); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	payload := json.RawMessage(`{"id":"p-2","fields":{"name":"y"}}`)
	if _, err := mgr.Enqueue(ctx, mutation.KindUpdateProject, payload); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var mu sync.Mutex
	followUps := make(map[string]int)
	e := New(mgr, newFakeReplayer(), Options{
		Logger: quietLogger(),
		OnFollowUp: func(id string) {
			mu.Lock()
			followUps[id]++
			mu.Unlock()
		},
	})
	defer e.Close()

	drainAndWait(t, e)
	if followUps["p-1"] != 1 {
		t.Errorf("p-1 follow-up fired %d times, want 1", followUps["p-1"])
	}
	if followUps["p-2"] != 1 {
		t.Errorf("p-2 follow-up fired %d times, want 1", followUps["p-2"])
	}
}

// A storage fault during a pass aborts that pass and leaves the rest of
// the queue intact.
type listFaultQueue struct {
	*queue.Manager
	failList bool
}

func (q *listFaultQueue) List(ctx context.Context) ([]mutation.QueuedMutation, error) {
	if q.failList {
		return nil, errors.New("disk error")
	}
	return q.Manager.List(ctx)
}

func TestStoreFaultAbortsPass(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "n-1")
	fq := &listFaultQueue{Manager: mgr, failList: true}

	replayer := newFakeReplayer()
	e := New(fq, replayer, Options{Logger: quietLogger()})
	defer e.Close()

	e.RequestDrain()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && e.Draining() {
		time.Sleep(2 * time.Millisecond)
	}
	if got := replayer.attempts("n-1"); got != 0 {
		t.Errorf("replay ran despite list fault")
	}
	if _, ok := e.LastResult(); ok {
		t.Error("aborted pass must not publish a result")
	}

	// Next trigger re-attempts from a clean read.
	fq.failList = false
	e.RequestDrain()
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := e.LastResult(); ok && res.Succeeded == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("recovery pass did not drain the queue")
}

// Wire registers the connectivity trigger exactly once.
type fakeSignal struct {
	mu     sync.Mutex
	subs   []func()
	online bool
}

func (s *fakeSignal) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *fakeSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *fakeSignal) subCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func TestWireOnce(t *testing.T) {
	mgr := newTestQueue(t)
	e := New(mgr, newFakeReplayer(), Options{Logger: quietLogger()})
	defer e.Close()

	signal := &fakeSignal{}
	e.Wire(signal)
	e.Wire(signal)
	e.Wire(signal)

	if n := signal.subCount(); n != 1 {
		t.Errorf("connectivity listener registered %d times, want 1", n)
	}
}

func TestWireStartupDrain(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "n-1")

	replayer := newFakeReplayer()
	e := New(mgr, replayer, Options{Logger: quietLogger()})
	defer e.Close()

	e.Wire(&fakeSignal{online: true})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := mgr.Count(context.Background()); n == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("startup wire did not drain the non-empty queue while online")
}

// Every completed pass reports through the result hook; reruns report
// separately.
func TestOnResultHook(t *testing.T) {
	mgr := newTestQueue(t)
	enqueueDeletes(t, mgr, "n-1", "n-2")

	var mu sync.Mutex
	var results []Result
	e := New(mgr, newFakeReplayer(), Options{
		Logger:     quietLogger(),
		RerunDelay: time.Millisecond,
		OnResult: func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
	})
	defer e.Close()

	res := drainAndWait(t, e)
	if res.Succeeded != 2 {
		t.Fatalf("result = %+v, want 2 succeeded", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(results))
	}
	if results[0].Succeeded != 2 || results[0].Total != 2 {
		t.Errorf("hook result = %+v", results[0])
	}
}
