// Package registry is the single source of truth for live transfer tasks.
//
// Task ids come from a process-wide counter starting at 1 and are never
// reused, even after eviction, so a late callback can never be attributed
// to the wrong task.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

// DigestIndex remembers completed uploads per owner scope. Records are
// keyed by encryption too: the same content stored under another cipher
// is a different object.
type DigestIndex interface {
	Lookup(scope, digest string, enc types.EncryptType) (fid string, ok bool, err error)
	Record(scope, digest, fid string, size int64, enc types.EncryptType) error
	Forget(fid string) error
}

// Duplicate is returned by Admit when the upload was already stored.
type Duplicate struct {
	Fid string
}

type Registry struct {
	mu     sync.RWMutex
	tasks  map[int64]*Task
	nextID atomic.Int64
	index  DigestIndex
}

// New returns an empty registry. A nil index disables deduplication.
func New(index DigestIndex) *Registry {
	return &Registry{
		tasks: make(map[int64]*Task),
		index: index,
	}
}

// Admit validates req, creates a task in WAITING and, for uploads that
// carry a digest and are not forced, reports a prior upload in the same
// owner scope and with the same encryption as a Duplicate.
func (r *Registry) Admit(req Request) (*Task, *Duplicate, error) {
	if req.Direction != types.DirectionUpload && req.Direction != types.DirectionDownload {
		return nil, nil, fmt.Errorf("%w: direction %v", types.ErrInvalidArgument, req.Direction)
	}
	if !req.Encrypt.Valid() {
		return nil, nil, fmt.Errorf("%w: encryption %v", types.ErrInvalidArgument, req.Encrypt)
	}
	if req.Direction == types.DirectionDownload && strings.TrimSpace(req.Fid) == "" {
		return nil, nil, fmt.Errorf("%w: empty fid", types.ErrInvalidArgument)
	}
	req.Digest = strings.ToLower(strings.TrimSpace(req.Digest))

	var dup *Duplicate
	if req.Direction == types.DirectionUpload && req.Digest != "" && !req.Force && r.index != nil {
		fid, ok, err := r.index.Lookup(req.Scope(), req.Digest, req.Encrypt)
		if err != nil {
			// lookup failure falls through to a normal upload
			utils.Debug("registry: digest lookup failed: %v", err)
		} else if ok && fid != "" {
			dup = &Duplicate{Fid: fid}
		}
	}

	t := &Task{
		ID:        r.nextID.Add(1),
		Req:       req,
		CreatedAt: time.Now(),
		status:    types.StatusWaiting,
	}
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	utils.Debug("registry: admitted task %d (%s %s)", t.ID, req.Direction, req.LocalPath)
	return t, dup, nil
}

// Get returns the live task with id.
func (r *Registry) Get(id int64) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Update moves a task along a non-terminal edge of the state machine.
func (r *Registry) Update(id int64, to types.Status) (Snapshot, error) {
	if to.Terminal() {
		return Snapshot{}, fmt.Errorf("%w: use Finalize for %s", types.ErrInvalidTransition, to)
	}
	return r.transition(id, to, nil)
}

// Progress records percent and speed. Percent is clamped to [0,100] and
// never moves backwards; speed is clamped to >= 0. Calls outside an
// active status are ignored and report false.
func (r *Registry) Progress(id int64, percent int, speed int64) (Snapshot, bool) {
	t, ok := r.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.Active() {
		return t.snapshotLocked(), false
	}
	percent = max(0, min(100, percent))
	if percent > t.percent {
		t.percent = percent
	}
	t.speed = max(0, speed)
	return t.snapshotLocked(), true
}

// Finalize moves a task to a terminal status. Only the first terminal
// transition wins; later calls get ErrInvalidTransition and change nothing.
func (r *Registry) Finalize(id int64, terminal types.Status, fid string, cause error) (Snapshot, error) {
	if !terminal.Terminal() {
		return Snapshot{}, fmt.Errorf("%w: %s is not terminal", types.ErrInvalidTransition, terminal)
	}
	if terminal == types.StatusTaskFailed && cause == nil {
		cause = fmt.Errorf("task failed")
	}
	return r.transition(id, terminal, func(t *Task) {
		if terminal == types.StatusTaskFailed {
			t.err = cause
			t.speed = 0
			return
		}
		t.fid = fid
		t.percent = 100
		t.speed = 0
	})
}

func (r *Registry) transition(id int64, to types.Status, apply func(*Task)) (Snapshot, error) {
	t, ok := r.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %d", types.ErrTaskNotFound, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !types.CanTransition(t.status, to) || !to.AllowedFor(t.Req.Direction) {
		return t.snapshotLocked(), fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, t.status, to)
	}
	utils.Debug("registry: task %d %s -> %s", id, t.status, to)
	prev := t.status
	t.status = to
	if to.Active() && !prev.Active() {
		t.percent = 0
	}
	if apply != nil {
		apply(t)
	}
	return t.snapshotLocked(), nil
}

// Remember records a completed upload so later submissions of the same
// content in the same scope are deduplicated. digest is the hash the
// transporter computed; the caller's digest is used when it is empty.
func (r *Registry) Remember(t *Task, digest, fid string, size int64) error {
	if r.index == nil || t == nil || fid == "" {
		return nil
	}
	if digest == "" {
		digest = t.Req.Digest
	}
	if digest == "" {
		return nil
	}
	return r.index.Record(t.Req.Scope(), strings.ToLower(digest), fid, size, t.Req.Encrypt)
}

// Forget drops every dedup record pointing at fid, e.g. once the remote
// object turns out to be gone.
func (r *Registry) Forget(fid string) error {
	if r.index == nil || fid == "" {
		return nil
	}
	return r.index.Forget(fid)
}

// Evict drops a terminal task. Non-terminal tasks are kept.
func (r *Registry) Evict(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || !t.Status().Terminal() {
		return false
	}
	delete(r.tasks, id)
	return true
}

// List returns snapshots of every live task.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
