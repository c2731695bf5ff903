package registry

import (
	"sync"
	"time"

	"yhtransfer/internal/transfer/types"
)

// Request is everything a caller supplies when submitting a transfer.
type Request struct {
	Direction types.Direction
	LocalPath string

	ParentFid  string
	Name       string
	RemotePath string
	Fid        string

	Encrypt  types.EncryptType
	OnlyWifi bool
	Force    bool
	Digest   string

	OwnerAppid  string
	OwnerAppuid string
	IsOwner     bool
	Cert        string
	Tags        []string

	// Session identity, used as the dedup scope when no owner is given.
	SessionAppid  string
	SessionAppuid string
}

// Scope is the owner scope digests are deduplicated within.
func (r *Request) Scope() string {
	return Scope(r.OwnerAppid, r.OwnerAppuid, r.SessionAppid, r.SessionAppuid)
}

// Scope joins the owner identity, falling back to the session identity.
func Scope(ownerAppid, ownerAppuid, appid, appuid string) string {
	if ownerAppid == "" && ownerAppuid == "" {
		ownerAppid, ownerAppuid = appid, appuid
	}
	return ownerAppid + "/" + ownerAppuid
}

// Task is one live transfer. All mutable fields are guarded by mu and only
// changed through the Registry.
type Task struct {
	ID        int64
	Req       Request
	CreatedAt time.Time

	mu      sync.Mutex
	status  types.Status
	percent int
	speed   int64
	fid     string
	err     error
}

// Snapshot is a consistent copy of a task's mutable state.
type Snapshot struct {
	ID        int64
	Direction types.Direction
	LocalPath string
	Status    types.Status
	Percent   int
	Speed     int64
	Fid       string
	Err       error
	CreatedAt time.Time
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        t.ID,
		Direction: t.Req.Direction,
		LocalPath: t.Req.LocalPath,
		Status:    t.status,
		Percent:   t.percent,
		Speed:     t.speed,
		Fid:       t.fid,
		Err:       t.err,
		CreatedAt: t.CreatedAt,
	}
}

// Status returns the current status.
func (t *Task) Status() types.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ErrorMsg returns the failure text, empty unless the task failed.
func (s Snapshot) ErrorMsg() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
