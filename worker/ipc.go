package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/yandex-tank-api/tankapi/session"
	"github.com/yandex-tank-api/tankapi/stage"
)

// maxFrameBytes bounds a single newline-delimited JSON frame. Status
// messages carry an unbounded failures list in principle, but a session's
// stage count is fixed at ten, so this is generous headroom, not a tuned
// limit.
const maxFrameBytes = 1 << 20

// BreakSource supplies the next break the Worker should observe, blocking
// until one arrives or ctx is done.
type BreakSource interface {
	NextBreak(ctx context.Context) (stage.Stage, error)
}

// StatusSink accepts a Worker's status emissions.
type StatusSink interface {
	Emit(msg session.StatusMessage) error
}

// FramedIPC implements both BreakSource and StatusSink over a pair of
// newline-delimited JSON streams: it reads BreakMessage frames from r and
// writes StatusMessage frames to w. This is the "framed messages or
// equivalent" transport the orchestrator uses instead of gRPC/protobuf for
// the Manager<->Worker process boundary.
type FramedIPC struct {
	scanner *bufio.Scanner

	writeMu sync.Mutex
	w       io.Writer
}

// NewFramedIPC wraps r and w for IPC framing.
func NewFramedIPC(r io.Reader, w io.Writer) *FramedIPC {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &FramedIPC{scanner: scanner, w: w}
}

// NextBreak reads the next BreakMessage frame. It ignores ctx except to
// check it has not already been cancelled, since bufio.Scanner has no
// context-aware read; callers that need cancellable reads should close the
// underlying reader to unblock this call.
func (f *FramedIPC) NextBreak(ctx context.Context) (stage.Stage, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			return "", fmt.Errorf("worker ipc: read break: %w", err)
		}
		return "", io.EOF
	}
	var msg session.BreakMessage
	if err := json.Unmarshal(f.scanner.Bytes(), &msg); err != nil {
		return "", fmt.Errorf("worker ipc: decode break frame: %w", err)
	}
	return msg.Break, nil
}

// Emit writes one StatusMessage frame.
func (f *FramedIPC) Emit(msg session.StatusMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("worker ipc: encode status frame: %w", err)
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := f.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("worker ipc: write status frame: %w", err)
	}
	return nil
}
