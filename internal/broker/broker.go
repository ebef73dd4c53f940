// Package broker maps concurrent workers onto the pool of independent
// circuit daemons. Every distinct instance a run will use is rotated to a
// fresh, cooldown-eligible exit identity before any worker starts, so no
// worker blocks on rotation inside its fetch loop.
//
// Earlier designs rotated reactively inside each worker's critical path and
// serialized the whole run on a single daemon lock. Pre-rotation plus static
// round-robin assignment is the corrected design; when there are more
// workers than daemons, workers sharing a daemon serialize on a per-instance
// mutex, which is an accepted degradation rather than a bug.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/anatolykoptev/go_torfetch/internal/circuit"
	"github.com/anatolykoptev/go_torfetch/internal/engine"
	"github.com/anatolykoptev/go_torfetch/internal/ledger"
)

// ErrNoCircuits is the configuration-level failure: no daemon in the pool
// could be rotated to a usable identity. There is no fallback to direct
// fetching; the run aborts.
var ErrNoCircuits = errors.New("broker: no usable circuit daemons")

// Circuit is the per-daemon capability the broker manages. *circuit.Client
// implements it; tests substitute scripted fakes.
type Circuit interface {
	Instance() circuit.Instance
	Rotate(ctx context.Context) (string, error)
	Session() *http.Client
}

// Config controls pre-rotation behavior.
type Config struct {
	// RotateMaxAttempts caps how many times an instance is re-rotated while
	// chasing a cooldown-eligible address. On exhaustion the last address is
	// accepted anyway: availability beats strictness for transcript fetching.
	RotateMaxAttempts int
	// RotateErrorRetries is how many consecutive rotation errors an instance
	// may produce before it is dropped from the pool for this run.
	RotateErrorRetries int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RotateMaxAttempts:  5,
		RotateErrorRetries: 3,
	}
}

// slot pairs a circuit with the mutex that serializes all use of it.
// The mutex covers rotation and session use alike: a daemon's control
// channel and circuit state corrupt under interleaved access.
type slot struct {
	circ Circuit
	mu   sync.Mutex
	addr string // current exit identity, updated under mu
}

// Broker is constructed once per processing run and passed to workers by
// reference. It holds no global state.
type Broker struct {
	cfg     Config
	slots   []*slot
	tracker *ledger.Tracker
}

// New builds a broker over the detected pool. The pool order is preserved:
// worker i lands on pool[i mod len(pool)].
func New(cfg Config, pool []Circuit, tracker *ledger.Tracker) *Broker {
	b := &Broker{cfg: cfg, tracker: tracker}
	for _, c := range pool {
		b.slots = append(b.slots, &slot{circ: c})
	}
	return b
}

// Assignment hands one worker serialized access to its instance's session.
// Two workers may share an instance; they never share it concurrently.
type Assignment struct {
	Worker   int
	Instance circuit.Instance

	slot   *slot
	broker *Broker
}

// Do runs fn with the instance's current HTTP session, holding the
// per-instance mutex for the duration of the call.
func (a *Assignment) Do(fn func(*http.Client) error) error {
	a.slot.mu.Lock()
	defer a.slot.mu.Unlock()
	return fn(a.slot.circ.Session())
}

// Address returns the instance's current exit identity.
func (a *Assignment) Address() string {
	a.slot.mu.Lock()
	defer a.slot.mu.Unlock()
	return a.slot.addr
}

// Refresh rotates the assigned instance to a fresh identity, applying the
// same eligibility check as pre-rotation, and records the new identity with
// a pending outcome. Used by the fetch retry path after a blocked response.
func (a *Assignment) Refresh(ctx context.Context) (string, error) {
	a.slot.mu.Lock()
	defer a.slot.mu.Unlock()

	addr, err := a.broker.rotateEligible(ctx, a.slot.circ)
	if err != nil {
		return "", err
	}
	a.slot.addr = addr
	a.broker.tracker.Record(addr, ledger.Unknown)
	return addr, nil
}

// ReportOutcome resolves the pending ledger entry for this assignment's
// current identity with the fetch result.
func (a *Assignment) ReportOutcome(ok bool) {
	addr := a.Address()
	if addr == "" {
		return
	}
	outcome := ledger.Failure
	if ok {
		outcome = ledger.Success
	}
	a.broker.tracker.Resolve(addr, outcome)
}

// Assignments implements the core algorithm: detect which instances the run
// will use, pre-rotate each to an eligible identity, drop instances that
// cannot rotate, and map workers round-robin over the survivors.
//
// Pre-rotation runs sequentially on the caller's goroutine. That is a
// deliberate serialization point: circuit rotation is inherently sequential
// per daemon, and doing it up front keeps rotation out of the fetch phase.
func (b *Broker) Assignments(ctx context.Context, workerCount int) ([]*Assignment, error) {
	if workerCount <= 0 || len(b.slots) == 0 {
		return nil, ErrNoCircuits
	}

	needed := min(workerCount, len(b.slots))
	usable := make([]*slot, 0, needed)
	for i := 0; i < needed; i++ {
		s := b.slots[i]
		addr, err := b.rotateEligible(ctx, s.circ)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("broker: dropping instance, rotation failed",
				slog.String("instance", s.circ.Instance().String()),
				slog.Any("error", err))
			continue
		}
		s.addr = addr
		b.tracker.Record(addr, ledger.Unknown)
		usable = append(usable, s)
	}

	if len(usable) == 0 {
		return nil, ErrNoCircuits
	}
	if len(usable) == 1 && workerCount > 1 {
		slog.Warn("broker: one usable daemon, workers will serialize on a shared circuit",
			slog.Int("workers", workerCount))
	}

	assignments := make([]*Assignment, workerCount)
	for w := 0; w < workerCount; w++ {
		s := usable[w%len(usable)]
		assignments[w] = &Assignment{
			Worker:   w,
			Instance: s.circ.Instance(),
			slot:     s,
			broker:   b,
		}
	}
	slog.Info("broker: assignments ready",
		slog.Int("workers", workerCount), slog.Int("instances", len(usable)))
	return assignments, nil
}

// rotateEligible rotates c until it lands on a cooldown-eligible address,
// bounded by RotateMaxAttempts; on exhaustion the last address is accepted
// with a logged cooldown violation. Consecutive rotation errors beyond
// RotateErrorRetries fail the instance.
func (b *Broker) rotateEligible(ctx context.Context, c Circuit) (string, error) {
	var lastErr error
	failures := 0
	rotations := 0

	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		addr, err := c.Rotate(ctx)
		if err != nil {
			failures++
			lastErr = err
			if failures >= b.cfg.RotateErrorRetries {
				return "", lastErr
			}
			continue
		}
		failures = 0
		rotations++

		if b.tracker.Eligible(addr) {
			return addr, nil
		}
		if rotations >= b.cfg.RotateMaxAttempts {
			engine.IncrCooldownViolation()
			slog.Warn("broker: accepting address still in cooldown",
				slog.String("instance", c.Instance().String()),
				slog.String("exit", addr),
				slog.Int("rotations", rotations))
			return addr, nil
		}
		slog.Debug("broker: address in cooldown, rotating again",
			slog.String("exit", addr), slog.Int("rotation", rotations))
	}
}

// Stats exposes the tracker's daily aggregates for end-of-run reporting.
func (b *Broker) Stats() ledger.Stats {
	return b.tracker.Stats()
}
