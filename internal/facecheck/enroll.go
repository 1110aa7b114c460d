package facecheck

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/schollz/progressbar/v3"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Locator is satisfied by *Tiered.
type Locator interface {
	Locate(ctx context.Context, frame *types.Frame) []types.Region
}

// Loader builds the enrolled embedding set from a directory of images.
type Loader struct {
	locator  Locator
	embedder Embedder
	logger   *slog.Logger
	progress io.Writer // progress bar output; nil disables the bar
}

func NewLoader(locator Locator, embedder Embedder, logger *slog.Logger, progress io.Writer) *Loader {
	return &Loader{locator: locator, embedder: embedder, logger: logger, progress: progress}
}

// Load reads every regular file in dir. Files that cannot be decoded, contain
// no face or fail to embed are skipped with a warning; only an empty result
// is fatal.
func (l *Loader) Load(ctx context.Context, dir string) ([]types.Embedding, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoEnrollmentDir, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read enrollment dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}

	var bar *progressbar.ProgressBar
	if l.progress != nil {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("🔐 Loading enrollment"),
			progressbar.OptionSetWriter(l.progress),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	var out []types.Embedding
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, ok := l.loadOne(ctx, path)
		if ok {
			out = append(out, emb)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoEmbeddings, dir)
	}
	l.logger.Info("enrollment loaded", "embeddings", len(out), "files", len(files))
	return out, nil
}

func (l *Loader) loadOne(ctx context.Context, path string) (types.Embedding, bool) {
	frame, err := decodeFile(path)
	if err != nil {
		l.logger.Warn("error loading enrollment image", "file", path, "error", err)
		return nil, false
	}

	regions := l.locator.Locate(ctx, frame)
	if len(regions) == 0 {
		l.logger.Warn("no face found in enrollment image", "file", path)
		return nil, false
	}

	emb, err := l.embedder.Embed(ctx, frame, regions[0])
	if err != nil || len(emb) == 0 {
		l.logger.Warn("could not compute enrollment embedding", "file", path, "error", err)
		return nil, false
	}
	l.logger.Info("loaded enrollment face", "file", filepath.Base(path))
	return emb, true
}

func decodeFile(path string) (*types.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return types.FrameFromImage(img, time.Now()), nil
}
