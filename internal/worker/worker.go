package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/andresmejia3/presence-guard/internal/utils" // Using the SafeCommand wrapper
)

// Operations understood by python/worker.py.
const (
	opDetect byte = 1
	opEmbed  byte = 2
)

// Detection models.
const (
	ModelHOG byte = 0
	ModelCNN byte = 1
)

const (
	statusOK    byte = 0
	statusError byte = 1

	jpegQuality = 90
)

var ErrWorker = errors.New("python worker error")

type PythonWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

// NewPythonWorker starts script under python3. The process is killed when ctx ends.
func NewPythonWorker(ctx context.Context, script string) (*PythonWorker, error) {
	return startWorker(ctx, "python3", "-u", script)
}

func startWorker(ctx context.Context, name string, args ...string) (*PythonWorker, error) {
	py := utils.NewSafeCommandContext(ctx, name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and waits for its response.
// Protocol in both directions: [u32 BE length][body].
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // A crashed worker (e.g. ModuleNotFoundError) surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Request layout: [op u8][model u8][upsample u8][box 4×i32 left,top,right,bottom][jpeg].
func encodeRequest(op, model byte, upsample int, box image.Rectangle, jpeg []byte) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(3 + 16 + len(jpeg))
	buf.WriteByte(op)
	buf.WriteByte(model)
	buf.WriteByte(byte(upsample))
	binary.Write(buf, binary.BigEndian, [4]int32{int32(box.Min.X), int32(box.Min.Y), int32(box.Max.X), int32(box.Max.Y)})
	buf.Write(jpeg)
	return buf.Bytes()
}

// decodeStatus consumes the status byte and turns an error response into a Go error.
func decodeStatus(resp []byte) (*bytes.Reader, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrWorker)
	}
	r := bytes.NewReader(resp[1:])
	if resp[0] == statusOK {
		return r, nil
	}

	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("%w: malformed error response", ErrWorker)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("%w: truncated error message", ErrWorker)
	}
	return nil, fmt.Errorf("%w: %s", ErrWorker, msg)
}

// Detect returns face boxes for the frame using the given model.
func (w *PythonWorker) Detect(ctx context.Context, frame *types.Frame, model byte, upsample int) ([]types.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jpeg, err := frame.JPEG(image.Rectangle{}, jpegQuality)
	if err != nil {
		return nil, err
	}
	resp, err := w.Communicate(encodeRequest(opDetect, model, upsample, image.Rectangle{}, jpeg))
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	r, err := decodeStatus(resp)
	if err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	regions := make([]types.Region, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read box %d: %w", i, err)
		}
		regions = append(regions, types.Region{Box: image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3]))})
	}
	return regions, nil
}

// Embed returns the descriptor of the face inside region.
func (w *PythonWorker) Embed(ctx context.Context, frame *types.Frame, region types.Region) (types.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jpeg, err := frame.JPEG(image.Rectangle{}, jpegQuality)
	if err != nil {
		return nil, err
	}
	resp, err := w.Communicate(encodeRequest(opEmbed, ModelHOG, 0, region.Box, jpeg))
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	r, err := decodeStatus(resp)
	if err != nil {
		return nil, err
	}
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("read embedding size: %w", err)
	}
	if dim == 0 || int(dim)*4 > r.Len() {
		return nil, fmt.Errorf("%w: bad embedding size %d", ErrWorker, dim)
	}
	emb := make(types.Embedding, dim)
	if err := binary.Read(r, binary.BigEndian, emb); err != nil {
		return nil, fmt.Errorf("read embedding: %w", err)
	}
	for _, v := range emb {
		if math.IsNaN(float64(v)) {
			return nil, fmt.Errorf("%w: NaN in embedding", ErrWorker)
		}
	}
	return emb, nil
}

// Detector binds a model and upsample count into a facecheck.Detector.
func (w *PythonWorker) Detector(model byte, upsample int) *Detector {
	return &Detector{w: w, model: model, upsample: upsample}
}

type Detector struct {
	w        *PythonWorker
	model    byte
	upsample int
}

func (d *Detector) Detect(ctx context.Context, frame *types.Frame) ([]types.Region, error) {
	return d.w.Detect(ctx, frame, d.model, d.upsample)
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
