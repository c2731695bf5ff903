package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"yhtransfer/internal/transfer/types"
)

// ErrInjected is the transient failure returned by Faulty.
var ErrInjected = errors.New("injected transport failure")

// Faulty wraps a Backend and fails or stalls selected calls. It is used to
// exercise retry, cancellation and integrity paths against a real store.
type Faulty struct {
	Backend

	failPuts  atomic.Int32
	failReads atomic.Int32
	putErr    atomic.Value // error

	mu      sync.Mutex
	calls   map[string]int
	gate    chan struct{}
	entered chan struct{}
	corrupt func([]byte) []byte
}

func NewFaulty(b Backend) *Faulty {
	return &Faulty{Backend: b, calls: make(map[string]int)}
}

// FailPuts makes the next n PutChunk calls fail with err, or ErrInjected
// when err is nil.
func (f *Faulty) FailPuts(n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.putErr.Store(err)
	f.failPuts.Store(int32(n))
}

// FailReads makes the next n ReadChunk calls fail with ErrInjected.
func (f *Faulty) FailReads(n int) {
	f.failReads.Store(int32(n))
}

// Block stalls every chunk call until the returned release func runs or
// the call's context is done. Entered receives one value per stalled call.
func (f *Faulty) Block() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	f.entered = make(chan struct{}, 64)
	var once sync.Once
	return f.entered, func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Corrupt rewrites the data returned by ReadChunk.
func (f *Faulty) Corrupt(fn func([]byte) []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt = fn
}

// Calls returns how many times op was invoked.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *Faulty) wait(ctx context.Context) error {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case entered <- struct{}{}:
	default:
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func take(n *atomic.Int32) bool {
	for {
		cur := n.Load()
		if cur <= 0 {
			return false
		}
		if n.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (f *Faulty) Stat(ctx context.Context, fid string) (*types.ObjectInfo, error) {
	f.record("Stat")
	return f.Backend.Stat(ctx, fid)
}

func (f *Faulty) BeginUpload(ctx context.Context, spec UploadSpec) (string, error) {
	f.record("BeginUpload")
	return f.Backend.BeginUpload(ctx, spec)
}

func (f *Faulty) PutChunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	f.record("PutChunk")
	if err := f.wait(ctx); err != nil {
		return err
	}
	if take(&f.failPuts) {
		err, _ := f.putErr.Load().(error)
		return err
	}
	return f.Backend.PutChunk(ctx, uploadID, offset, data)
}

func (f *Faulty) CommitUpload(ctx context.Context, uploadID string) (*types.ObjectInfo, error) {
	f.record("CommitUpload")
	return f.Backend.CommitUpload(ctx, uploadID)
}

func (f *Faulty) AbortUpload(ctx context.Context, uploadID string) error {
	f.record("AbortUpload")
	return f.Backend.AbortUpload(ctx, uploadID)
}

func (f *Faulty) ReadChunk(ctx context.Context, fid string, offset, length int64) ([]byte, error) {
	f.record("ReadChunk")
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if take(&f.failReads) {
		return nil, ErrInjected
	}
	data, err := f.Backend.ReadChunk(ctx, fid, offset, length)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	corrupt := f.corrupt
	f.mu.Unlock()
	if corrupt != nil {
		data = corrupt(data)
	}
	return data, nil
}
