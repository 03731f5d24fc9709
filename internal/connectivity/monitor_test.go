package connectivity

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestInitialStateDoesNotFireEdge(t *testing.T) {
	var fired atomic.Int32
	m := New(func(context.Context) bool { return true }, 10*time.Millisecond, quietLogger())
	m.Subscribe(func() { fired.Add(1) })

	m.Start(context.Background())
	defer m.Stop()

	if !m.Online() {
		t.Fatal("expected online after initial probe")
	}
	// Stays online; no offline-to-online edge should ever fire.
	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("edge fired %d times while steadily online, want 0", n)
	}
}

func TestEdgeFiresOncePerRestoredConnection(t *testing.T) {
	var online atomic.Bool
	var fired atomic.Int32

	m := New(func(context.Context) bool { return online.Load() }, 5*time.Millisecond, quietLogger())
	m.Subscribe(func() { fired.Add(1) })

	m.Start(context.Background())
	defer m.Stop()

	if m.Online() {
		t.Fatal("expected offline initially")
	}

	online.Store(true)
	if !waitFor(t, time.Second, func() bool { return fired.Load() == 1 }) {
		t.Fatalf("edge fired %d times after going online, want 1", fired.Load())
	}

	// Remaining online does not re-fire.
	time.Sleep(40 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("edge fired %d times while staying online, want 1", n)
	}

	// A second loss and restore fires exactly once more.
	online.Store(false)
	waitFor(t, time.Second, func() bool { return !m.Online() })
	online.Store(true)
	if !waitFor(t, time.Second, func() bool { return fired.Load() == 2 }) {
		t.Fatalf("edge fired %d times after second restore, want 2", fired.Load())
	}
}

func TestStartTwiceIsNoOp(t *testing.T) {
	var probes atomic.Int32
	m := New(func(context.Context) bool { probes.Add(1); return true }, time.Hour, quietLogger())

	m.Start(context.Background())
	m.Start(context.Background())
	defer m.Stop()

	// Only the single initial probe ran (interval is an hour).
	if n := probes.Load(); n != 1 {
		t.Errorf("probe ran %d times after double Start, want 1", n)
	}
}

func TestStopHaltsPolling(t *testing.T) {
	var probes atomic.Int32
	m := New(func(context.Context) bool { probes.Add(1); return true }, 5*time.Millisecond, quietLogger())

	m.Start(context.Background())
	waitFor(t, time.Second, func() bool { return probes.Load() > 2 })
	m.Stop()

	n := probes.Load()
	time.Sleep(30 * time.Millisecond)
	if probes.Load() != n {
		t.Error("probe still running after Stop")
	}
}
