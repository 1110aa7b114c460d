package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/presence-guard/internal/camera"
	"github.com/andresmejia3/presence-guard/internal/config"
	"github.com/andresmejia3/presence-guard/internal/facecheck"
	"github.com/andresmejia3/presence-guard/internal/utils"
	"github.com/andresmejia3/presence-guard/internal/vision"
	"github.com/andresmejia3/presence-guard/internal/worker"
)

// faceBackend is the detection and embedding stack for one process.
type faceBackend struct {
	primary  facecheck.Detector
	fallback facecheck.Detector // nil when the fallback is disabled
	embedder facecheck.Embedder
	close    func() error
	helper   *utils.SafeCommand // worker process, for crash reports
}

// Swapped in tests.
var openBackend = newFaceBackend

var openCamera camera.Opener = vision.OpenCapture

func newFaceBackend(ctx context.Context, c config.Config, log *slog.Logger) (*faceBackend, error) {
	switch c.Backend {
	case config.BackendWorker:
		w, err := worker.NewPythonWorker(ctx, c.WorkerScript)
		if err != nil {
			return nil, err
		}
		be := &faceBackend{
			primary:  w.Detector(worker.ModelHOG, c.DetectorUpsample),
			embedder: w,
			close:    w.Close,
			helper:   w.Cmd,
		}
		if c.EnableFallbackDetector {
			be.fallback = w.Detector(worker.ModelCNN, 1)
		}
		log.Info("face backend ready", "backend", c.Backend, "script", c.WorkerScript)
		return be, nil

	case config.BackendNative:
		cascade, err := vision.NewCascadeDetector(c.CascadeFile, c.DetectorUpsample)
		if err != nil {
			return nil, err
		}
		dlib, err := vision.NewDlib(c.ModelsDir)
		if err != nil {
			cascade.Close()
			return nil, err
		}
		be := &faceBackend{
			primary:  cascade,
			embedder: dlib.Embedder(),
			close: func() error {
				return errors.Join(cascade.Close(), dlib.Close())
			},
		}
		if c.EnableFallbackDetector {
			be.fallback = dlib.CNNDetector()
		}
		log.Info("face backend ready", "backend", c.Backend, "cascade", c.CascadeFile, "models", c.ModelsDir)
		return be, nil
	}
	return nil, fmt.Errorf("unknown backend %q", c.Backend)
}

func (b *faceBackend) locator(log *slog.Logger) *facecheck.Tiered {
	return facecheck.NewTiered(b.primary, b.fallback, log)
}
