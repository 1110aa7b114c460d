package guard

import (
	"bytes"
	"context"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/presence-guard/internal/logging"
	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the loop sleeps. cancelAfter ends the run
// after that many sleeps.
type fakeClock struct {
	now         time.Time
	sleeps      []time.Duration
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	if c.cancel != nil && len(c.sleeps) >= c.cancelAfter {
		c.cancel()
	}
	return ctx.Err()
}

type fakeSource struct {
	errs  []error // consumed in order; nil entries yield a frame
	reads int
}

func (s *fakeSource) ReadLatest(ctx context.Context) (*types.Frame, error) {
	s.reads++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &types.Frame{Pixels: make([]byte, 3), Width: 1, Height: 1}, nil
}

// fakeLocator returns counts[i] faces on the i-th call, repeating the last.
type fakeLocator struct {
	counts []int
	calls  int
}

func (l *fakeLocator) Locate(ctx context.Context, frame *types.Frame) []types.Region {
	n := l.counts[len(l.counts)-1]
	if l.calls < len(l.counts) {
		n = l.counts[l.calls]
	}
	l.calls++
	out := make([]types.Region, n)
	for i := range out {
		out[i] = types.Region{Box: image.Rect(i*10, 0, i*10+5, 5)}
	}
	return out
}

type fakeMatcher struct {
	dist  float64
	err   error
	calls int
}

func (m *fakeMatcher) Distance(ctx context.Context, frame *types.Frame, region types.Region) (float64, error) {
	m.calls++
	return m.dist, m.err
}

type fakeLocker struct{ calls int }

func (l *fakeLocker) TryLock(ctx context.Context) types.LockOutcome {
	l.calls++
	return types.LockOutcome{Attempts: []types.LockAttempt{{Command: "loginctl lock-sessions"}}, Used: "loginctl lock-sessions"}
}

type fakeCompanion struct {
	present bool
	calls   int
}

func (c *fakeCompanion) Present(ctx context.Context) bool {
	c.calls++
	return c.present
}

type memJournal struct {
	events []types.Event
	err    error
}

func (j *memJournal) Record(ctx context.Context, e types.Event) error {
	j.events = append(j.events, e)
	return j.err
}

var start = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Policy: Policy{
			MatchTolerance:        0.45,
			AbsenceTimeout:        6 * time.Second,
			IdentityCheckInterval: 1,
		},
		PollInterval: 350 * time.Millisecond,
		LockCooldown: 4 * time.Second,
		RunID:        "run-1",
	}
}

type harness struct {
	clock   *fakeClock
	source  *fakeSource
	locator *fakeLocator
	matcher *fakeMatcher
	locker  *fakeLocker
	journal *memJournal
	logs    *bytes.Buffer
	guard   *Guard
}

func newHarness(cfg Config, faces []int, dist float64, companion Companion) *harness {
	h := &harness{
		clock:   &fakeClock{now: start},
		source:  &fakeSource{},
		locator: &fakeLocator{counts: faces},
		matcher: &fakeMatcher{dist: dist},
		locker:  &fakeLocker{},
		journal: &memJournal{},
		logs:    &bytes.Buffer{},
	}
	h.guard = New(cfg, Deps{
		Source:    h.source,
		Locator:   h.locator,
		Matcher:   h.matcher,
		Locker:    h.locker,
		Companion: companion,
		Journal:   h.journal,
		Clock:     h.clock,
		Logger:    logging.New(h.logs, 0),
	})
	return h
}

func TestAuthorizedSingleFace(t *testing.T) {
	h := newHarness(testConfig(), []int{1}, 0.30, nil)
	h.clock.now = start.Add(2 * time.Second)

	d := h.guard.Step(context.Background())

	assert.Equal(t, PhaseSingleAuthorized, d.Phase)
	assert.False(t, d.Lock)
	require.NotNil(t, d.Distance)
	assert.InDelta(t, 0.30, *d.Distance, 1e-9)
	assert.Equal(t, 0, h.locker.calls)
	assert.Equal(t, start.Add(2*time.Second), h.guard.State().LastSeen())
	assert.Equal(t, 350*time.Millisecond, d.Wait)
	assert.Contains(t, h.logs.String(), "Authorized face present")
	assert.Contains(t, h.logs.String(), "Best face distance: 0.300")
}

func TestMultipleFacesLockWithoutIdentity(t *testing.T) {
	h := newHarness(testConfig(), []int{2}, 0.10, nil)

	d := h.guard.Step(context.Background())

	assert.Equal(t, PhaseMultiple, d.Phase)
	assert.True(t, d.Lock)
	assert.Equal(t, 1, h.locker.calls)
	assert.Equal(t, 0, h.matcher.calls, "identity is irrelevant with multiple faces")
	assert.Equal(t, 4*time.Second, d.Wait)

	require.Len(t, h.journal.events, 1)
	e := h.journal.events[0]
	assert.Equal(t, types.EventLock, e.Kind)
	assert.Equal(t, "multiple", e.Phase)
	assert.Equal(t, 2, e.Faces)
	assert.Equal(t, "loginctl lock-sessions", e.Command)
	assert.True(t, e.Locked)
	assert.Equal(t, "run-1", e.RunID)
}

func TestAbsenceTimeout(t *testing.T) {
	h := newHarness(testConfig(), []int{0}, 0, nil)

	h.clock.now = start.Add(5 * time.Second)
	d := h.guard.Step(context.Background())
	assert.False(t, d.Lock)
	assert.Equal(t, PhaseAbsent, d.Phase)
	assert.Contains(t, h.logs.String(), "waiting for timeout")

	h.clock.now = start.Add(7 * time.Second)
	d = h.guard.Step(context.Background())
	assert.True(t, d.Lock)
	assert.Equal(t, 1, h.locker.calls)
	assert.Equal(t, 4*time.Second, d.Wait, "a lock is followed by the cooldown")

	// Sticky: still absent, still locks, lastSeen never moved.
	h.clock.now = start.Add(12 * time.Second)
	d = h.guard.Step(context.Background())
	assert.True(t, d.Lock)
	assert.Equal(t, start, h.guard.State().LastSeen())
}

func TestAbsenceExactlyAtTimeoutLocks(t *testing.T) {
	h := newHarness(testConfig(), []int{0}, 0, nil)
	h.clock.now = start.Add(6 * time.Second)
	assert.True(t, h.guard.Step(context.Background()).Lock)
}

func TestCompanionMissingTakesPrecedence(t *testing.T) {
	comp := &fakeCompanion{present: false}
	h := newHarness(testConfig(), []int{1}, 0.10, comp)

	d := h.guard.Step(context.Background())

	assert.Equal(t, PhaseCompanionMissing, d.Phase)
	assert.True(t, d.Lock)
	assert.Equal(t, 1, h.locker.calls)
	assert.Equal(t, 0, h.source.reads, "no frame is read when the companion is missing")
	assert.Equal(t, 0, h.matcher.calls)
	assert.Equal(t, 4*time.Second, d.Wait)
}

func TestCompanionPresentContinues(t *testing.T) {
	comp := &fakeCompanion{present: true}
	h := newHarness(testConfig(), []int{1}, 0.10, comp)

	d := h.guard.Step(context.Background())
	assert.Equal(t, PhaseSingleAuthorized, d.Phase)
	assert.Equal(t, 1, comp.calls)
}

func TestUnauthorizedAndEmbeddingFailureLock(t *testing.T) {
	h := newHarness(testConfig(), []int{1}, 0.60, nil)
	d := h.guard.Step(context.Background())
	assert.Equal(t, PhaseSingleUnauthorized, d.Phase)
	assert.True(t, d.Lock)

	h.matcher.err = errors.New("no landmarks")
	d = h.guard.Step(context.Background())
	assert.True(t, d.Lock)
	assert.Nil(t, d.Distance)
	assert.Error(t, d.Err)
	assert.Equal(t, 2, h.locker.calls)
	assert.Equal(t, start, h.guard.State().LastSeen())
}

func TestSkippedSampleLocks(t *testing.T) {
	cfg := testConfig()
	cfg.IdentityCheckInterval = 3
	h := newHarness(cfg, []int{1}, 0.10, nil)

	var locks []bool
	for i := 0; i < 6; i++ {
		locks = append(locks, h.guard.Step(context.Background()).Lock)
	}

	assert.Equal(t, []bool{false, true, true, false, true, true}, locks)
	assert.Equal(t, 2, h.matcher.calls)
}

func TestZeroFacesDoNotAdvanceSampleIndex(t *testing.T) {
	cfg := testConfig()
	cfg.IdentityCheckInterval = 2
	h := newHarness(cfg, []int{1, 0, 1}, 0.10, nil)

	assert.False(t, h.guard.Step(context.Background()).Lock) // index 0 sampled
	h.guard.Step(context.Background())                       // zero faces
	assert.True(t, h.guard.Step(context.Background()).Lock)  // index 1 skipped
}

func TestReadFailureIsNotPresenceNegative(t *testing.T) {
	h := newHarness(testConfig(), []int{0}, 0, nil)
	h.source.errs = []error{errors.New("failed to read from camera")}
	h.clock.now = start.Add(time.Minute)

	d := h.guard.Step(context.Background())

	assert.Equal(t, PhaseReadFailed, d.Phase)
	assert.False(t, d.Lock)
	assert.Equal(t, 0, h.locker.calls)
	assert.Equal(t, 0, h.locator.calls)
	assert.Equal(t, 350*time.Millisecond, d.Wait)
	assert.Contains(t, h.logs.String(), "Failed to read from webcam")
}

// cancelingCompanion simulates an interrupt landing while the query runs.
type cancelingCompanion struct{ cancel context.CancelFunc }

func (c cancelingCompanion) Present(ctx context.Context) bool {
	c.cancel()
	return false
}

type cancelingMatcher struct{ cancel context.CancelFunc }

func (m cancelingMatcher) Distance(ctx context.Context, frame *types.Frame, region types.Region) (float64, error) {
	m.cancel()
	return 0, ctx.Err()
}

type cancelingLocator struct{ cancel context.CancelFunc }

func (l cancelingLocator) Locate(ctx context.Context, frame *types.Frame) []types.Region {
	l.cancel()
	return nil
}

func TestInterruptMidIterationDoesNotLock(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness, cancel context.CancelFunc)
	}{
		{"during companion query", func(h *harness, cancel context.CancelFunc) {
			h.guard.deps.Companion = cancelingCompanion{cancel: cancel}
		}},
		{"during identity match", func(h *harness, cancel context.CancelFunc) {
			h.guard.deps.Matcher = cancelingMatcher{cancel: cancel}
		}},
		{"during face location", func(h *harness, cancel context.CancelFunc) {
			h.guard.deps.Locator = cancelingLocator{cancel: cancel}
			h.clock.now = start.Add(time.Minute)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testConfig(), []int{1}, 0.10, nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.setup(h, cancel)

			d := h.guard.Step(ctx)

			assert.False(t, d.Lock)
			assert.ErrorIs(t, d.Err, context.Canceled)
			assert.Equal(t, 0, h.locker.calls)
			assert.Empty(t, h.journal.events)
			assert.NotContains(t, h.logs.String(), "locking")
		})
	}
}

func TestRunInterruptedDuringCompanionQuery(t *testing.T) {
	h := newHarness(testConfig(), []int{1}, 0.10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.guard.deps.Companion = cancelingCompanion{cancel: cancel}

	require.NoError(t, h.guard.Run(ctx))

	assert.Equal(t, 0, h.locker.calls)
	require.Len(t, h.journal.events, 2)
	assert.Equal(t, types.EventShutdown, h.journal.events[1].Kind)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(testConfig(), []int{1}, 0.10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.clock.cancel = cancel
	h.clock.cancelAfter = 3

	require.NoError(t, h.guard.Run(ctx))

	assert.Equal(t, 3, h.locator.calls)
	assert.Equal(t, []time.Duration{350 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}, h.clock.sleeps)
	assert.Contains(t, h.logs.String(), "stopped by user")

	require.Len(t, h.journal.events, 2)
	assert.Equal(t, types.EventStartup, h.journal.events[0].Kind)
	assert.Equal(t, types.EventShutdown, h.journal.events[1].Kind)
}

func TestRunAlreadyCancelled(t *testing.T) {
	h := newHarness(testConfig(), []int{1}, 0.10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.guard.Run(ctx))
	assert.Equal(t, 0, h.source.reads)
}

type panicLocator struct{}

func (panicLocator) Locate(ctx context.Context, frame *types.Frame) []types.Region {
	panic("index out of range")
}

func TestRunRecoversFault(t *testing.T) {
	h := newHarness(testConfig(), []int{1}, 0.10, nil)
	h.guard.deps.Locator = panicLocator{}

	err := h.guard.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFault)
	assert.True(t, strings.Contains(h.logs.String(), "presence guard crashed"))
}

func TestJournalFailureIsLoggedOnly(t *testing.T) {
	h := newHarness(testConfig(), []int{2}, 0, nil)
	h.journal.err = errors.New("connection refused")

	d := h.guard.Step(context.Background())
	assert.True(t, d.Lock)
	assert.Contains(t, h.logs.String(), "failed to record event")
}

func TestStateEvaluateCallsIdentifyOnlyWhenSampled(t *testing.T) {
	s := NewState(Policy{MatchTolerance: 0.45, AbsenceTimeout: time.Second, IdentityCheckInterval: 1}, start)
	called := false
	d := s.Evaluate(start, 0, func() (float64, error) { called = true; return 0, nil })
	assert.False(t, called)
	assert.False(t, d.Lock)

	d = s.Evaluate(start, 1, func() (float64, error) { called = true; return 0.45, nil })
	assert.True(t, called)
	assert.False(t, d.Lock, "distance equal to tolerance is authorized")
}
