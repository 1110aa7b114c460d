package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/presence-guard/internal/logging"
	"github.com/andresmejia3/presence-guard/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommand records invocations into a shared call log.
type fakeCommand struct {
	name  string
	err   error
	calls *[]string
}

func (f fakeCommand) Name() string { return f.name }

func (f fakeCommand) Attempt(ctx context.Context) error {
	*f.calls = append(*f.calls, f.name)
	return f.err
}

func TestTryLockStopsAtFirstSuccess(t *testing.T) {
	var calls []string
	a := NewActuator([]Command{
		fakeCommand{"A", errors.New("exit 1"), &calls},
		fakeCommand{"B", nil, &calls},
		fakeCommand{"C", nil, &calls},
	}, logging.Discard())

	out := a.TryLock(context.Background())

	assert.Equal(t, []string{"A", "B"}, calls)
	assert.True(t, out.Locked())
	assert.Equal(t, "B", out.Used)
	require.Len(t, out.Attempts, 2)
	assert.Error(t, out.Attempts[0].Err)
	assert.NoError(t, out.Attempts[1].Err)
}

func TestTryLockAllFail(t *testing.T) {
	var calls []string
	a := NewActuator([]Command{
		fakeCommand{"A", errors.New("missing"), &calls},
		fakeCommand{"B", errors.New("timeout"), &calls},
		fakeCommand{"C", errors.New("exit 2"), &calls},
	}, logging.Discard())

	out := a.TryLock(context.Background())

	assert.Equal(t, []string{"A", "B", "C"}, calls)
	assert.False(t, out.Locked())
	assert.Empty(t, out.Used)
	assert.Len(t, out.Attempts, 3)
}

func TestTryLockIsRepeatable(t *testing.T) {
	var calls []string
	a := NewActuator([]Command{
		fakeCommand{"A", errors.New("exit 1"), &calls},
		fakeCommand{"B", nil, &calls},
		fakeCommand{"C", nil, &calls},
	}, logging.Discard())

	first := a.TryLock(context.Background())
	second := a.TryLock(context.Background())

	assert.Equal(t, []string{"A", "B", "A", "B"}, calls)
	assert.Equal(t, first, second)
}

func TestExecCascade(t *testing.T) {
	cmds := Commands([][]string{
		{"no-such-locker-binary"},
		{"false"},
		{"sleep", "5"},
		{"true"},
		{"echo", "unused"},
	}, 200*time.Millisecond)

	out := NewActuator(cmds, logging.Discard()).TryLock(context.Background())

	require.True(t, out.Locked())
	assert.Equal(t, "true", out.Used)
	require.Len(t, out.Attempts, 4)
	assert.ErrorIs(t, out.Attempts[0].Err, utils.ErrNotInstalled)
	assert.ErrorIs(t, out.Attempts[1].Err, utils.ErrExitStatus)
	assert.ErrorIs(t, out.Attempts[2].Err, utils.ErrTimedOut)
	assert.Equal(t, "sleep 5", out.Attempts[2].Command)
}
