// Package camera owns the capture device and hands out the freshest frame.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/presence-guard/internal/types"
)

var (
	ErrNoDevice      = errors.New("cannot open camera")
	ErrTransientRead = errors.New("failed to read from camera")
	ErrClosed        = errors.New("camera closed")
)

// ProbeIndices are tried in order when the selector is "auto".
var ProbeIndices = []int{0, 1, 2, 3}

// Device is the minimal capture surface the source needs.
type Device interface {
	IsOpened() bool
	Configure(width, height, bufferSize int)
	// Grab advances the device one frame without decoding it.
	Grab() bool
	// Retrieve decodes the most recently grabbed frame.
	Retrieve() (*types.Frame, bool)
	// Read grabs and decodes in one step.
	Read() (*types.Frame, bool)
	Close() error
}

// Opener opens the device at a given index.
type Opener func(index int) (Device, error)

// Options tune the open sequence and the stale-frame flush.
type Options struct {
	Width        int
	Height       int
	BufferSize   int // requested internal queue depth
	WarmupFrames int
	FlushGrabs   int // grabs before each retrieve in ReadLatest
}

// DefaultOptions returns the capture settings for a 640x480 webcam.
func DefaultOptions(width, height int) Options {
	return Options{Width: width, Height: height, BufferSize: 1, WarmupFrames: 8, FlushGrabs: 3}
}

// Source holds the opened device. It is used from a single goroutine, but
// Close may be called from any exit path, any number of times.
type Source struct {
	dev    Device
	index  int
	opts   Options
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// Open binds the explicit index, or with auto probes ProbeIndices in order.
func Open(index int, auto bool, open Opener, opts Options, logger *slog.Logger) (*Source, error) {
	candidates := []int{index}
	if auto {
		candidates = ProbeIndices
	}

	for _, idx := range candidates {
		dev, err := open(idx)
		if err != nil || dev == nil || !dev.IsOpened() {
			if dev != nil {
				_ = dev.Close()
			}
			logger.Debug("camera probe failed", "index", idx, "error", err)
			continue
		}

		dev.Configure(opts.Width, opts.Height, opts.BufferSize)
		for i := 0; i < opts.WarmupFrames; i++ {
			dev.Read()
		}
		logger.Info("opened camera", "device", fmt.Sprintf("/dev/video%d", idx), "width", opts.Width, "height", opts.Height)
		return &Source{dev: dev, index: idx, opts: opts, logger: logger}, nil
	}
	return nil, fmt.Errorf("%w: tried indices %v", ErrNoDevice, candidates)
}

// Index is the bound device index.
func (s *Source) Index() int { return s.index }

// ReadLatest discards queued frames and returns the current one.
func (s *Source) ReadLatest(ctx context.Context) (*types.Frame, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := 0; i < s.opts.FlushGrabs; i++ {
		s.dev.Grab()
	}
	frame, ok := s.dev.Retrieve()
	if !ok || !frame.Valid() {
		frame, ok = s.dev.Read()
	}
	if !ok || !frame.Valid() {
		return nil, ErrTransientRead
	}
	return frame, nil
}

// Close releases the device exactly once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		s.closeErr = s.dev.Close()
		s.logger.Info("camera released", "index", s.index)
	})
	return s.closeErr
}
