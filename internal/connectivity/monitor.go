// Package connectivity tracks whether the hosted backend is reachable
// and notifies subscribers on the offline-to-online edge.
//
// The monitor polls a caller-supplied probe at a fixed interval. The
// sync engine registers its drain trigger exactly once per process
// lifetime; the monitor delivers one notification per restored
// connection, never one per poll.
package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Probe reports whether the backend is currently reachable. It must be
// cheap and bounded; the monitor calls it on every poll tick.
type Probe func(ctx context.Context) bool

// Monitor polls a Probe and exposes the boolean online state plus an
// edge-triggered "became online" event.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	online bool
	subs   []func()

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Monitor. If interval is zero, 30 seconds is used. If
// logger is nil, a default logger writing to stderr is used.
func New(probe Probe, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers fn to run on every offline-to-online transition.
// Callbacks run on the monitor's goroutine and must not block.
func (m *Monitor) Subscribe(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Online returns the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start performs an immediate probe to establish the initial state,
// then polls in the background until Stop or ctx cancellation. Calling
// Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	// Initial state, without firing the edge: process start while
	// online is handled by the engine's own startup trigger.
	initial := m.probe(ctx)
	m.mu.Lock()
	m.online = initial
	m.mu.Unlock()
	m.logger.Printf("Initial state: online=%v", initial)

	m.wg.Add(1)
	go m.poll(ctx)
}

// Stop halts polling and waits for the poll goroutine to finish.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.probe(ctx))
		}
	}
}

// observe records a probe result and fires subscribers on the
// offline-to-online edge.
func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	var subs []func()
	if online && !wasOnline {
		subs = append(subs, m.subs...)
	}
	m.mu.Unlock()

	if len(subs) > 0 {
		m.logger.Printf("Connectivity restored")
		for _, fn := range subs {
			fn()
		}
	} else if !online && wasOnline {
		m.logger.Printf("Connectivity lost")
	}
}
