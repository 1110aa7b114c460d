// Package vision adapts OpenCV (gocv) and dlib (go-face) to the camera and
// facecheck capability interfaces.
package vision

import (
	"fmt"
	"time"

	"github.com/andresmejia3/presence-guard/internal/camera"
	"github.com/andresmejia3/presence-guard/internal/types"
	"gocv.io/x/gocv"
)

// Capture is a V4L2 camera handle.
type Capture struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// OpenCapture is a camera.Opener backed by gocv.
func OpenCapture(index int) (camera.Device, error) {
	vc, err := gocv.OpenVideoCaptureWithAPI(index, gocv.VideoCaptureV4L2)
	if err != nil {
		return nil, fmt.Errorf("open /dev/video%d: %w", index, err)
	}
	return &Capture{vc: vc, mat: gocv.NewMat()}, nil
}

func (c *Capture) IsOpened() bool { return c.vc.IsOpened() }

func (c *Capture) Configure(width, height, bufferSize int) {
	c.vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	c.vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	c.vc.Set(gocv.VideoCaptureBufferSize, float64(bufferSize))
}

// Grab advances one frame. gocv only reports OpenCV exceptions from grab, so
// a closed device is checked explicitly.
func (c *Capture) Grab() bool {
	return c.vc.IsOpened() && c.vc.Grab(1) == nil
}

func (c *Capture) Retrieve() (*types.Frame, bool) {
	if !c.vc.Retrieve(&c.mat) {
		return nil, false
	}
	return matToFrame(c.mat)
}

func (c *Capture) Read() (*types.Frame, bool) {
	if !c.vc.Read(&c.mat) {
		return nil, false
	}
	return matToFrame(c.mat)
}

func (c *Capture) Close() error {
	_ = c.mat.Close()
	return c.vc.Close()
}

func matToFrame(m gocv.Mat) (*types.Frame, bool) {
	if m.Empty() || m.Type() != gocv.MatTypeCV8UC3 {
		return nil, false
	}
	f := &types.Frame{
		Pixels:     m.ToBytes(),
		Width:      m.Cols(),
		Height:     m.Rows(),
		CapturedAt: time.Now(),
	}
	return f, f.Valid()
}

// frameToMat wraps a frame for OpenCV; the caller closes the Mat.
func frameToMat(f *types.Frame) (gocv.Mat, error) {
	if !f.Valid() {
		return gocv.NewMat(), fmt.Errorf("invalid frame %dx%d", f.Width, f.Height)
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pixels)
}
