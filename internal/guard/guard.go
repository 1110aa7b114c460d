// Package guard runs the presence loop: read a frame, count faces, check
// identity, and lock the session when the rules say so.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/andresmejia3/presence-guard/internal/types"
)

// ErrFault wraps a panic recovered from the loop.
var ErrFault = errors.New("presence guard crashed")

type FrameSource interface {
	ReadLatest(ctx context.Context) (*types.Frame, error)
}

type Locator interface {
	Locate(ctx context.Context, frame *types.Frame) []types.Region
}

type Matcher interface {
	Distance(ctx context.Context, frame *types.Frame, region types.Region) (float64, error)
}

type Locker interface {
	TryLock(ctx context.Context) types.LockOutcome
}

type Companion interface {
	Present(ctx context.Context) bool
}

// Journal persists decisions. Failures are logged and otherwise ignored.
type Journal interface {
	Record(ctx context.Context, e types.Event) error
}

// Observer receives per-iteration measurements; *metrics.Recorder satisfies it.
type Observer interface {
	Iteration(phase string)
	Distance(d float64)
	Authorized(at time.Time)
	ReadFailure()
	Lock(outcome types.LockOutcome)
}

// Clock is injectable so the loop can be driven by tests.
type Clock interface {
	Now() time.Time
	// Sleep returns ctx.Err() if ctx ends first.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Config holds the loop settings.
type Config struct {
	Policy
	PollInterval time.Duration
	LockCooldown time.Duration
	RunID        string
}

// Deps are the guard's collaborators. Companion, Journal and Observer are optional.
type Deps struct {
	Source    FrameSource
	Locator   Locator
	Matcher   Matcher
	Locker    Locker
	Companion Companion
	Journal   Journal
	Observer  Observer
	Clock     Clock
	Logger    *slog.Logger
}

type Guard struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	state *State
}

func New(cfg Config, deps Deps) *Guard {
	if deps.Clock == nil {
		deps.Clock = RealClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Guard{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger,
		state: NewState(cfg.Policy, deps.Clock.Now()),
	}
}

// State exposes the loop state for inspection.
func (g *Guard) State() *State { return g.state }

// Run loops until ctx is cancelled (returns nil) or the loop panics (returns
// an error wrapping ErrFault).
func (g *Guard) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("presence guard crashed", "cause", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrFault, r)
		}
	}()

	g.log.Info("Starting presence guard")
	g.record(ctx, types.Event{Kind: types.EventStartup, Detail: "loop started"})

	for {
		if ctx.Err() != nil {
			break
		}
		d := g.Step(ctx)
		if g.deps.Clock.Sleep(ctx, d.Wait) != nil {
			break
		}
	}

	g.log.Info("presence guard stopped by user")
	g.record(context.WithoutCancel(ctx), types.Event{Kind: types.EventShutdown, Detail: "stopped by user"})
	return nil
}

// Step runs one iteration and returns its decision, including how long the
// caller should wait before the next one.
func (g *Guard) Step(ctx context.Context) Decision {
	if g.deps.Companion != nil && !g.deps.Companion.Present(ctx) {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		d := Decision{Phase: PhaseCompanionMissing, Lock: true, Reason: "Phone not present; locking for safety."}
		return g.finish(ctx, d)
	}

	frame, err := g.deps.Source.ReadLatest(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		g.log.Warn("Failed to read from webcam, retrying...", "error", err)
		g.deps.observer().ReadFailure()
		return g.finish(ctx, Decision{Phase: PhaseReadFailed, Err: err})
	}

	regions := g.deps.Locator.Locate(ctx, frame)
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	g.log.Info(fmt.Sprintf("Detected %d face(s)", len(regions)))

	now := g.deps.Clock.Now()
	d := g.state.Evaluate(now, len(regions), func() (float64, error) {
		return g.deps.Matcher.Distance(ctx, frame, regions[0])
	})
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	d.Faces = len(regions)

	if d.Distance != nil {
		g.log.Info(fmt.Sprintf("Best face distance: %.3f", *d.Distance))
		g.deps.observer().Distance(*d.Distance)
	}
	if d.Phase == PhaseSingleAuthorized {
		g.deps.observer().Authorized(now)
	}
	return g.finish(ctx, d)
}

// interrupted is the decision for an iteration cut short by cancellation.
// Nothing is logged, locked or journaled.
func interrupted(ctx context.Context) Decision {
	return Decision{Phase: PhaseReadFailed, Err: ctx.Err()}
}

// finish logs the decision, actuates a lock if needed and sets Wait.
func (g *Guard) finish(ctx context.Context, d Decision) Decision {
	g.deps.observer().Iteration(string(d.Phase))

	switch {
	case d.Lock:
		attrs := []any{"phase", d.Phase}
		if d.Err != nil {
			attrs = append(attrs, "error", d.Err)
		}
		g.log.Warn(d.Reason, attrs...)
		outcome := g.deps.Locker.TryLock(ctx)
		g.deps.observer().Lock(outcome)
		g.record(ctx, types.Event{
			Kind:     types.EventLock,
			Phase:    string(d.Phase),
			Faces:    d.Faces,
			Distance: d.Distance,
			Command:  outcome.Used,
			Locked:   outcome.Locked(),
			Detail:   d.Reason,
		})
		d.Wait = g.cfg.LockCooldown
	default:
		if d.Reason != "" {
			g.log.Info(d.Reason)
		}
		d.Wait = g.cfg.PollInterval
	}
	return d
}

func (g *Guard) record(ctx context.Context, e types.Event) {
	if g.deps.Journal == nil {
		return
	}
	e.RunID = g.cfg.RunID
	e.OccurredAt = g.deps.Clock.Now()
	if err := g.deps.Journal.Record(ctx, e); err != nil {
		g.log.Warn("failed to record event", "kind", e.Kind, "error", err)
	}
}

type nopObserver struct{}

func (nopObserver) Iteration(string)       {}
func (nopObserver) Distance(float64)       {}
func (nopObserver) Authorized(time.Time)   {}
func (nopObserver) ReadFailure()           {}
func (nopObserver) Lock(types.LockOutcome) {}

func (d Deps) observer() Observer {
	if d.Observer == nil {
		return nopObserver{}
	}
	return d.Observer
}
