package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/andresmejia3/presence-guard/internal/types"
)

var ErrNoFaceInRegion = errors.New("no face landmarks in region")

const jpegQuality = 90

// Dlib wraps a go-face recognizer. The recognizer is not safe for concurrent
// use, so calls are serialized.
type Dlib struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// NewDlib loads shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and mmod_human_face_detector.dat
// from modelsDir.
func NewDlib(modelsDir string) (*Dlib, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load models from %s: %w", modelsDir, err)
	}
	return &Dlib{rec: rec}, nil
}

func (d *Dlib) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Close()
	return nil
}

// CNNDetector returns the slower high-recall fallback detector.
func (d *Dlib) CNNDetector() *CNNDetector { return &CNNDetector{d} }

// Embedder returns the 128-d descriptor extractor.
func (d *Dlib) Embedder() *Embedder { return &Embedder{dlib: d, padding: 0.25} }

// CNNDetector runs dlib's MMOD CNN detector over the whole frame.
type CNNDetector struct{ dlib *Dlib }

func (c *CNNDetector) Detect(ctx context.Context, frame *types.Frame) ([]types.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := frame.JPEG(image.Rectangle{}, jpegQuality)
	if err != nil {
		return nil, err
	}

	c.dlib.mu.Lock()
	faces, err := c.dlib.rec.RecognizeCNN(data)
	c.dlib.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("cnn detection failed: %w", err)
	}

	out := make([]types.Region, 0, len(faces))
	for _, f := range faces {
		out = append(out, types.Region{Box: f.Rectangle})
	}
	return out, nil
}

// Embedder crops the region with some context around it and extracts the
// descriptor of the single face inside.
type Embedder struct {
	dlib    *Dlib
	padding float64 // fraction of the box size added on each side
}

func (e *Embedder) Embed(ctx context.Context, frame *types.Frame, region types.Region) (types.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := frame.JPEG(padRegion(region.Box, e.padding), jpegQuality)
	if err != nil {
		return nil, err
	}

	e.dlib.mu.Lock()
	f, err := e.dlib.rec.RecognizeSingle(data)
	e.dlib.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recognize failed: %w", err)
	}
	if f == nil {
		return nil, ErrNoFaceInRegion
	}

	emb := make(types.Embedding, len(f.Descriptor))
	copy(emb, f.Descriptor[:])
	return emb, nil
}

// padRegion grows box by frac of its size on every side. Clipping to the frame
// happens at encode time.
func padRegion(box image.Rectangle, frac float64) image.Rectangle {
	dx := int(float64(box.Dx()) * frac)
	dy := int(float64(box.Dy()) * frac)
	return image.Rect(box.Min.X-dx, box.Min.Y-dy, box.Max.X+dx, box.Max.Y+dy)
}
