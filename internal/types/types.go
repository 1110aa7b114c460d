package types

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"
)

// Embedding is a fixed-length face descriptor (128-d for dlib / face_recognition).
type Embedding []float32

// Frame is a single captured image in packed 8-bit BGR order.
type Frame struct {
	Pixels     []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Region is a face bounding box in frame pixel coordinates.
type Region struct {
	Box image.Rectangle
}

// Valid reports whether the pixel buffer matches the declared dimensions.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pixels) == f.Width*f.Height*3
}

// Image wraps the BGR buffer as an image.Image without copying pixels.
func (f *Frame) Image() image.Image {
	return bgrImage{f}
}

// JPEG encodes the frame (or the given sub-rectangle, when non-empty) as a JPEG.
func (f *Frame) JPEG(crop image.Rectangle, quality int) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid frame %dx%d with %d bytes", f.Width, f.Height, len(f.Pixels))
	}
	var img image.Image = f.Image()
	if !crop.Empty() {
		crop = crop.Intersect(img.Bounds())
		if crop.Empty() {
			return nil, fmt.Errorf("crop %v outside frame bounds", crop)
		}
		img = subImage{bgrImage{f}, crop}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// FrameFromImage converts any decoded image into a BGR frame.
func FrameFromImage(img image.Image, capturedAt time.Time) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			pix = append(pix, c.B, c.G, c.R)
		}
	}
	return &Frame{Pixels: pix, Width: w, Height: h, CapturedAt: capturedAt}
}

type bgrImage struct{ f *Frame }

func (b bgrImage) ColorModel() color.Model { return color.RGBAModel }
func (b bgrImage) Bounds() image.Rectangle { return image.Rect(0, 0, b.f.Width, b.f.Height) }
func (b bgrImage) At(x, y int) color.Color {
	if !(image.Point{x, y}).In(b.Bounds()) {
		return color.RGBA{}
	}
	i := (y*b.f.Width + x) * 3
	return color.RGBA{R: b.f.Pixels[i+2], G: b.f.Pixels[i+1], B: b.f.Pixels[i], A: 0xff}
}

type subImage struct {
	bgrImage
	rect image.Rectangle
}

func (s subImage) Bounds() image.Rectangle { return s.rect }

// LockAttempt is the result of running a single lock command.
type LockAttempt struct {
	Command string
	Err     error
}

// LockOutcome records which command (if any) in the cascade locked the session.
type LockOutcome struct {
	Attempts []LockAttempt
	Used     string // empty when every command failed
}

// Locked reports whether any command in the cascade succeeded.
func (o LockOutcome) Locked() bool {
	return o.Used != ""
}

// EventKind classifies journal entries.
type EventKind string

const (
	EventStartup  EventKind = "startup"
	EventLock     EventKind = "lock"
	EventShutdown EventKind = "shutdown"
)

// Event is a journal entry for the presence event store.
type Event struct {
	ID         int64
	RunID      string
	OccurredAt time.Time
	Kind       EventKind
	Phase      string
	Faces      int
	Distance   *float64
	Command    string
	Locked     bool
	Detail     string
}
