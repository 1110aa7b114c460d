package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/presence-guard/internal/logging"
	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice simulates a queued capture pipeline: every grab advances seq.
type fakeDevice struct {
	opened     bool
	seq        int
	grabbed    int
	retrieveOK bool
	readOK     bool
	reads      int
	closes     int
	width      int
	height     int
	bufferSize int
}

func (d *fakeDevice) IsOpened() bool { return d.opened }
func (d *fakeDevice) Configure(w, h, b int) {
	d.width, d.height, d.bufferSize = w, h, b
}
func (d *fakeDevice) Grab() bool { d.seq++; d.grabbed++; return true }
func (d *fakeDevice) frame() *types.Frame {
	return &types.Frame{Pixels: make([]byte, 2*2*3), Width: 2, Height: 2, CapturedAt: time.Unix(int64(d.seq), 0)}
}
func (d *fakeDevice) Retrieve() (*types.Frame, bool) {
	if !d.retrieveOK {
		return nil, false
	}
	return d.frame(), true
}
func (d *fakeDevice) Read() (*types.Frame, bool) {
	d.reads++
	d.seq++
	if !d.readOK {
		return nil, false
	}
	return d.frame(), true
}
func (d *fakeDevice) Close() error { d.closes++; return nil }

func TestOpenAutoProbesInOrder(t *testing.T) {
	var tried []int
	devs := map[int]*fakeDevice{
		0: {opened: false},
		2: {opened: true, readOK: true},
	}
	opener := func(idx int) (Device, error) {
		tried = append(tried, idx)
		if d, ok := devs[idx]; ok {
			return d, nil
		}
		return nil, errors.New("no such device")
	}

	src, err := Open(0, true, opener, DefaultOptions(640, 480), logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, tried)
	assert.Equal(t, 2, src.Index())
	assert.Equal(t, 1, devs[0].closes, "unopened probe handles are released")
	assert.Equal(t, 640, devs[2].width)
	assert.Equal(t, 480, devs[2].height)
	assert.Equal(t, 1, devs[2].bufferSize)
	assert.Equal(t, 8, devs[2].reads, "warm-up reads")
}

func TestOpenExplicitIndexOnly(t *testing.T) {
	var tried []int
	opener := func(idx int) (Device, error) {
		tried = append(tried, idx)
		return &fakeDevice{opened: false}, nil
	}
	_, err := Open(1, false, opener, DefaultOptions(640, 480), logging.Discard())
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.Equal(t, []int{1}, tried)
}

func TestReadLatestFlushesStaleFrames(t *testing.T) {
	dev := &fakeDevice{opened: true, retrieveOK: true, readOK: true}
	src, err := Open(0, false, func(int) (Device, error) { return dev, nil }, Options{FlushGrabs: 3}, logging.Discard())
	require.NoError(t, err)

	f, err := src.ReadLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, dev.grabbed)
	assert.Equal(t, int64(3), f.CapturedAt.Unix())
	assert.Equal(t, 0, dev.reads, "retrieve succeeded, no fallback read")
}

func TestReadLatestFallsBackToRead(t *testing.T) {
	dev := &fakeDevice{opened: true, retrieveOK: false, readOK: true}
	src, err := Open(0, false, func(int) (Device, error) { return dev, nil }, Options{FlushGrabs: 3}, logging.Discard())
	require.NoError(t, err)

	_, err = src.ReadLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dev.reads)
}

func TestReadLatestTransientFailure(t *testing.T) {
	dev := &fakeDevice{opened: true}
	src, err := Open(0, false, func(int) (Device, error) { return dev, nil }, Options{}, logging.Discard())
	require.NoError(t, err)

	_, err = src.ReadLatest(context.Background())
	assert.ErrorIs(t, err, ErrTransientRead)
}

func TestCloseReleasesOnce(t *testing.T) {
	dev := &fakeDevice{opened: true, retrieveOK: true}
	src, err := Open(0, false, func(int) (Device, error) { return dev, nil }, Options{}, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.Equal(t, 1, dev.closes)

	_, err = src.ReadLatest(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
