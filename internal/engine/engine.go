package engine

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
)

// MaxRetries is the number of replay attempts a mutation gets before it
// is dropped from the queue and reported as a permanent failure.
const MaxRetries = 3

// defaultRerunDelay spaces a rerun-requested pass from the one that
// just finished, to avoid tight-loop reentrancy.
const defaultRerunDelay = 100 * time.Millisecond

// state is the single-flight drain state, guarded by Engine.mu.
type state int

const (
	stateIdle state = iota
	stateDraining
	stateDrainRequested
)

// Queue is the view of the pending-mutation store the engine drains.
// *queue.Manager implements it.
type Queue interface {
	List(ctx context.Context) ([]mutation.QueuedMutation, error)
	Remove(ctx context.Context, id int64) error
	UpdateRetry(ctx context.Context, id int64, errMsg string) error
	Count(ctx context.Context) (int, error)
}

// Replayer performs the remote write for one mutation. remote.Boundary
// satisfies it.
type Replayer interface {
	Replay(ctx context.Context, kind mutation.Kind, payload json.RawMessage) error
}

// OnlineSignal is the connectivity boundary the engine subscribes to.
// *connectivity.Monitor satisfies it.
type OnlineSignal interface {
	Subscribe(func())
	Online() bool
}

// Result summarizes one completed drain pass.
type Result struct {
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Total      int       `json:"total"`
	FinishedAt time.Time `json:"finished_at"`
}

// Options configures an Engine.
type Options struct {
	// Logger for engine activity. Defaults to stderr.
	Logger *log.Logger

	// RerunDelay before a requested rerun pass starts. Defaults to
	// 100 ms.
	RerunDelay time.Duration

	// OnResult receives each completed pass summary. Aborted passes do
	// not report.
	OnResult func(Result)

	// OnFollowUp receives the deduplicated downstream side-effect
	// notifications, once per affected entity id per pass. The
	// receiver must be idempotent.
	OnFollowUp func(entityID string)

	// OnPermanentFailure is called when a mutation has exhausted its
	// retries and is dropped. The target id lets the caller flag the
	// corresponding optimistic entity as orphaned.
	OnPermanentFailure func(m mutation.QueuedMutation, reason string)
}

// Engine drains the mutation queue against the remote boundary under
// single-flight discipline.
//
// RequestDrain is the only entry point. It never blocks: if a pass is
// already running it records a rerun request, and the running pass
// starts exactly one more pass on completion. This guarantees a
// mutation enqueued during a pass is never silently stranded, without
// unbounded pass stacking.
type Engine struct {
	queue    Queue
	replayer Replayer
	opts     Options

	mu         sync.Mutex
	state      state
	lastResult *Result

	wireOnce sync.Once
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates an Engine over the queue and remote boundary.
func New(q Queue, r Replayer, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if opts.RerunDelay <= 0 {
		opts.RerunDelay = defaultRerunDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		queue:    q,
		replayer: r,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Wire subscribes the engine to the connectivity signal and, if the
// process starts online with a non-empty queue, requests an initial
// drain. Wiring happens exactly once per engine regardless of how many
// times Wire is called; re-registering the connectivity listener is a
// no-op.
func (e *Engine) Wire(signal OnlineSignal) {
	e.wireOnce.Do(func() {
		signal.Subscribe(e.RequestDrain)
		if signal.Online() {
			if n, err := e.queue.Count(e.ctx); err == nil && n > 0 {
				e.opts.Logger.Printf("Startup with %d pending mutations, requesting drain", n)
				e.RequestDrain()
			}
		}
	})
}

// RequestDrain asks for a drain pass and returns immediately.
func (e *Engine) RequestDrain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateIdle:
		e.state = stateDraining
		e.wg.Add(1)
		go e.run()
	case stateDraining:
		e.state = stateDrainRequested
	case stateDrainRequested:
		// Already recorded; one rerun covers any number of requests.
	}
}

// LastResult returns the most recent completed pass summary.
func (e *Engine) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return Result{}, false
	}
	return *e.lastResult, true
}

// Pending returns the number of queued mutations, for UI badges.
func (e *Engine) Pending(ctx context.Context) (int, error) {
	return e.queue.Count(ctx)
}

// Draining reports whether a pass is currently running.
func (e *Engine) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != stateIdle
}

// Close stops the engine and waits for any running pass to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// run executes drain passes until no rerun is requested.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		result := e.drainOnce(e.ctx)

		e.mu.Lock()
		if result != nil {
			e.lastResult = result
		}
		rerun := e.state == stateDrainRequested
		if rerun {
			e.state = stateDraining
		} else {
			e.state = stateIdle
		}
		e.mu.Unlock()

		if result != nil && e.opts.OnResult != nil {
			e.opts.OnResult(*result)
		}

		if !rerun {
			return
		}
		select {
		case <-e.ctx.Done():
			e.mu.Lock()
			e.state = stateIdle
			e.mu.Unlock()
			return
		case <-time.After(e.opts.RerunDelay):
		}
	}
}

// drainOnce replays the queue in enqueue order. It returns nil when the
// pass aborted on a storage fault; the next trigger re-attempts from a
// clean re-read of the store.
func (e *Engine) drainOnce(ctx context.Context) *Result {
	pending, err := e.queue.List(ctx)
	if err != nil {
		e.opts.Logger.Printf("WARNING: aborting pass, failed to list queue: %v", err)
		return nil
	}
	if len(pending) == 0 {
		return &Result{FinishedAt: time.Now().UTC()}
	}
	e.opts.Logger.Printf("Draining %d mutations", len(pending))

	result := &Result{Total: len(pending)}
	followUps := make(map[string]bool)

	for _, m := range pending {
		if ctx.Err() != nil {
			e.opts.Logger.Printf("WARNING: pass cancelled after %d/%d", result.Succeeded+result.Failed, len(pending))
			return nil
		}

		// Left over from a pass that crashed between the retry update
		// and the removal: drop without another attempt.
		if m.RetryCount >= MaxRetries {
			if !e.dropPermanent(ctx, m, m.LastError) {
				return nil
			}
			result.Failed++
			continue
		}

		if err := e.replayer.Replay(ctx, m.Kind, m.Payload); err != nil {
			e.opts.Logger.Printf("Replay failed for mutation %d (%s), attempt %d: %v", m.ID, m.Kind, m.RetryCount+1, err)
			if uerr := e.queue.UpdateRetry(ctx, m.ID, err.Error()); uerr != nil {
				e.opts.Logger.Printf("WARNING: aborting pass, failed to record retry for %d: %v", m.ID, uerr)
				return nil
			}
			result.Failed++
			// That was the mutation's last allowed attempt.
			if m.RetryCount+1 >= MaxRetries {
				if !e.dropPermanent(ctx, m, err.Error()) {
					return nil
				}
			}
			continue
		}

		if err := e.queue.Remove(ctx, m.ID); err != nil {
			e.opts.Logger.Printf("WARNING: aborting pass, failed to remove mutation %d: %v", m.ID, err)
			return nil
		}
		result.Succeeded++
		if m.Kind.NeedsFollowUp() {
			if id := mutation.TargetID(m.Kind, m.Payload); id != "" {
				followUps[id] = true
			}
		}
	}

	// Side effects fire once per unique affected entity, decoupled
	// from replay ordering.
	if e.opts.OnFollowUp != nil {
		for id := range followUps {
			e.opts.OnFollowUp(id)
		}
	}

	result.FinishedAt = time.Now().UTC()
	e.opts.Logger.Printf("Pass complete: succeeded=%d failed=%d total=%d", result.Succeeded, result.Failed, result.Total)
	return result
}

// dropPermanent removes a retries-exhausted mutation and notifies the
// permanent-failure hook. Returns false if the removal faulted and the
// pass must abort.
func (e *Engine) dropPermanent(ctx context.Context, m mutation.QueuedMutation, reason string) bool {
	if err := e.queue.Remove(ctx, m.ID); err != nil {
		e.opts.Logger.Printf("WARNING: aborting pass, failed to drop mutation %d: %v", m.ID, err)
		return false
	}
	e.opts.Logger.Printf("Dropping mutation %d (%s) after %d attempts", m.ID, m.Kind, MaxRetries)
	if e.opts.OnPermanentFailure != nil {
		e.opts.OnPermanentFailure(m, reason)
	}
	return true
}
