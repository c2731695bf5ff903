// Package transfer moves bytes between local files and a Backend in
// fixed-size chunks, applying the task's encryption on the fly.
package transfer

import (
	"context"
	"io"
	"sync"
	"time"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/transfer/types"
)

// Hooks let the caller observe and gate a running transfer. Any field may
// be nil.
type Hooks struct {
	// Begin runs once, right before the first byte moves.
	Begin func(total int64)
	// Progress receives throttled progress, plus a forced first and last
	// report.
	Progress func(Progress)
	// Check runs between chunks; a non-nil error aborts the transfer.
	Check func() error
}

func (h Hooks) begin(total int64) {
	if h.Begin != nil {
		h.Begin(total)
	}
}

func (h Hooks) check() error {
	if h.Check != nil {
		return h.Check()
	}
	return nil
}

// Transporter is safe for concurrent use; each call owns its own stream
// and file handles.
type Transporter struct {
	backend backend.Backend
	runtime *types.RuntimeConfig
	bufPool sync.Pool
}

func New(b backend.Backend, runtime *types.RuntimeConfig) *Transporter {
	if runtime == nil {
		runtime = &types.RuntimeConfig{}
	}
	t := &Transporter{backend: b, runtime: runtime}
	chunk := runtime.GetChunkSize()
	t.bufPool = sync.Pool{
		New: func() any {
			buf := make([]byte, chunk)
			return &buf
		},
	}
	return t
}

// Backend returns the store the transporter writes to.
func (t *Transporter) Backend() backend.Backend {
	return t.backend
}

func (t *Transporter) getBuffer() *[]byte {
	return t.bufPool.Get().(*[]byte)
}

func (t *Transporter) putBuffer(b *[]byte) {
	t.bufPool.Put(b)
}

// requestContext bounds a single backend call.
func (t *Transporter) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.runtime.GetRequestTimeout())
}

// cleanupContext outlives ctx so aborts still reach the server after a
// cancellation.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

// ctxReader stops an io.Copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
