package facecheck

import (
	"context"
	"log/slog"

	"github.com/andresmejia3/presence-guard/internal/types"
)

// Tiered runs a fast primary detector and, only when it finds nothing, a
// slower higher-recall fallback once. Detector errors count as zero faces.
type Tiered struct {
	Primary  Detector
	Fallback Detector // nil disables the second pass
	logger   *slog.Logger
}

func NewTiered(primary, fallback Detector, logger *slog.Logger) *Tiered {
	return &Tiered{Primary: primary, Fallback: fallback, logger: logger}
}

// Locate never fails; an unusable detector result is an empty frame.
func (t *Tiered) Locate(ctx context.Context, frame *types.Frame) []types.Region {
	regions, err := t.Primary.Detect(ctx, frame)
	if err != nil {
		t.logger.Warn("primary detector failed, treating as no faces", "error", err)
		regions = nil
	}
	if len(regions) > 0 || t.Fallback == nil {
		return regions
	}

	regions, err = t.Fallback.Detect(ctx, frame)
	if err != nil {
		t.logger.Warn("fallback detector failed, treating as no faces", "error", err)
		return nil
	}
	if len(regions) > 0 {
		t.logger.Debug("fallback detector found faces", "count", len(regions))
	}
	return regions
}
