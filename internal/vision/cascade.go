package vision

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/presence-guard/internal/types"
	"gocv.io/x/gocv"
)

var ErrCascadeLoad = errors.New("failed to load face cascade classifier")

// CascadeDetector is the fast primary detector: a Haar cascade on the
// equalized grayscale frame, optionally upsampled to find smaller faces.
type CascadeDetector struct {
	classifier gocv.CascadeClassifier
	upsample   int
	minSize    image.Point
}

// NewCascadeDetector loads the classifier XML. Each upsample step doubles the
// frame before detection.
func NewCascadeDetector(path string, upsample int) (*CascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		_ = classifier.Close()
		return nil, fmt.Errorf("%w: %s", ErrCascadeLoad, path)
	}
	if upsample < 0 {
		upsample = 0
	}
	return &CascadeDetector{classifier: classifier, upsample: upsample, minSize: image.Pt(40, 40)}, nil
}

func (d *CascadeDetector) Detect(ctx context.Context, frame *types.Frame) ([]types.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := frameToMat(frame)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	scale := 1 << d.upsample
	if scale > 1 {
		gocv.Resize(gray, &gray, image.Pt(frame.Width*scale, frame.Height*scale), 0, 0, gocv.InterpolationLinear)
	}

	rects := d.classifier.DetectMultiScaleWithParams(gray, 1.1, 5, 0, d.minSize.Mul(scale), image.Point{})
	return scaleRects(rects, scale), nil
}

func (d *CascadeDetector) Close() error {
	return d.classifier.Close()
}

// scaleRects maps detections on an upsampled image back to frame coordinates.
func scaleRects(rects []image.Rectangle, scale int) []types.Region {
	out := make([]types.Region, 0, len(rects))
	for _, r := range rects {
		out = append(out, types.Region{Box: image.Rect(r.Min.X/scale, r.Min.Y/scale, r.Max.X/scale, r.Max.Y/scale)})
	}
	return out
}
