package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"yhtransfer/internal/events"
	"yhtransfer/internal/registry"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

// UploadByFid places LocalPath under the directory ParentFid.
type UploadByFid struct {
	LocalPath   string
	ParentFid   string
	Name        string
	Encrypt     types.EncryptType
	OnlyWifi    bool
	OwnerAppid  string
	OwnerAppuid string
	Digest      string
}

// UploadToPath places LocalPath at an absolute remote path.
type UploadToPath struct {
	LocalPath  string
	RemotePath string
	Encrypt    types.EncryptType
	OnlyWifi   bool
	Force      bool
	Appid      string
	Appuid     string
	IsOwner    bool
	Cert       string
	Digest     string
	Tags       []string
}

type Download struct {
	LocalPath string
	Fid       string
	OnlyWifi  bool
}

// run is the engine's handle on one executing task.
type run struct {
	task    *registry.Task
	session *Session
	cancel  context.CancelCauseFunc

	mu    sync.Mutex
	total int64
	grace *time.Timer
}

func (r *run) setTotal(n int64) {
	r.mu.Lock()
	r.total = n
	r.mu.Unlock()
}

func (r *run) stopGrace() {
	r.mu.Lock()
	if r.grace != nil {
		r.grace.Stop()
	}
	r.mu.Unlock()
}

// SubmitUploadByFid admits an upload and returns its task id. On admission
// failure it returns InvalidTaskID and cb is never called. A nil cb
// delivers events through Subscribe. OnlyWifi tasks park while off wifi;
// once bytes are moving, losing wifi fails the task with ClassPolicy.
func (m *Manager) SubmitUploadByFid(s *Session, p UploadByFid, cb events.Callback) (int64, error) {
	if err := m.checkSession(s); err != nil {
		return types.InvalidTaskID, err
	}
	if _, err := utils.ValidateUploadSource(p.LocalPath); err != nil {
		return types.InvalidTaskID, err
	}
	name := utils.SanitizeName(p.Name)
	if name == "" {
		name = utils.SanitizeName(filepath.Base(p.LocalPath))
	}
	return m.submit(s, registry.Request{
		Direction:   types.DirectionUpload,
		LocalPath:   p.LocalPath,
		ParentFid:   p.ParentFid,
		Name:        name,
		Encrypt:     p.Encrypt,
		OnlyWifi:    p.OnlyWifi,
		Digest:      p.Digest,
		OwnerAppid:  p.OwnerAppid,
		OwnerAppuid: p.OwnerAppuid,
	}, cb)
}

func (m *Manager) SubmitUploadToPath(s *Session, p UploadToPath, cb events.Callback) (int64, error) {
	if err := m.checkSession(s); err != nil {
		return types.InvalidTaskID, err
	}
	if _, err := utils.ValidateUploadSource(p.LocalPath); err != nil {
		return types.InvalidTaskID, err
	}
	if strings.TrimSpace(p.RemotePath) == "" {
		return types.InvalidTaskID, fmt.Errorf("%w: empty remote path", types.ErrInvalidArgument)
	}
	return m.submit(s, registry.Request{
		Direction:   types.DirectionUpload,
		LocalPath:   p.LocalPath,
		RemotePath:  p.RemotePath,
		Encrypt:     p.Encrypt,
		OnlyWifi:    p.OnlyWifi,
		Force:       p.Force,
		Digest:      p.Digest,
		OwnerAppid:  p.Appid,
		OwnerAppuid: p.Appuid,
		IsOwner:     p.IsOwner,
		Cert:        p.Cert,
		Tags:        p.Tags,
	}, cb)
}

func (m *Manager) SubmitDownload(s *Session, p Download, cb events.Callback) (int64, error) {
	if err := m.checkSession(s); err != nil {
		return types.InvalidTaskID, err
	}
	if err := utils.ValidateDownloadTarget(p.LocalPath); err != nil {
		return types.InvalidTaskID, err
	}
	return m.submit(s, registry.Request{
		Direction: types.DirectionDownload,
		LocalPath: p.LocalPath,
		Fid:       strings.TrimSpace(p.Fid),
		OnlyWifi:  p.OnlyWifi,
	}, cb)
}

func (m *Manager) submit(s *Session, req registry.Request, cb events.Callback) (int64, error) {
	req.SessionAppid, req.SessionAppuid = s.Appid, s.Appuid

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.InvalidTaskID, types.ErrManagerClosed
	}
	tr := m.transporter
	if tr == nil {
		m.mu.Unlock()
		return types.InvalidTaskID, types.ErrHostNotSet
	}
	task, dup, err := m.registry.Admit(req)
	if err != nil {
		m.mu.Unlock()
		return types.InvalidTaskID, err
	}
	if err := m.events.Open(task.ID, cb); err != nil {
		m.mu.Unlock()
		_, _ = m.registry.Finalize(task.ID, types.StatusTaskFailed, "", err)
		m.registry.Evict(task.ID)
		return types.InvalidTaskID, err
	}
	ctx, cancel := context.WithCancelCause(m.ctx)
	r := &run{task: task, session: s, cancel: cancel}
	m.runs[task.ID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	m.events.Publish(eventFrom(task.Snapshot()))
	go m.execute(ctx, r, tr, dup)
	return task.ID, nil
}

func eventFrom(s registry.Snapshot) *events.CallbackEvent {
	return &events.CallbackEvent{
		TaskID:   s.ID,
		Status:   s.Status,
		Speed:    s.Speed,
		Percent:  s.Percent,
		Fid:      s.Fid,
		ErrorMsg: s.ErrorMsg(),
		Class:    types.Classify(s.Err),
	}
}

// Cancel asks a task to stop. The task fails with ErrCancelled as soon as
// its transfer returns, or after the cancel grace period at the latest.
// It reports false for unknown, foreign or already terminal tasks.
func (m *Manager) Cancel(s *Session, id int64) bool {
	if err := m.checkSession(s); err != nil {
		return false
	}
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok || r.session.Appid != s.Appid || r.session.Appuid != s.Appuid {
		return false
	}
	if r.task.Status().Terminal() {
		return false
	}

	utils.Debug("engine: cancelling task %d", id)
	r.cancel(types.ErrCancelled)
	grace := m.runtime.GetCancelGrace()
	r.mu.Lock()
	if r.grace == nil {
		r.grace = time.AfterFunc(grace, func() {
			if m.finish(r, types.StatusTaskFailed, "", fmt.Errorf("%w: transfer did not stop within %s", types.ErrCancelled, grace)) {
				utils.Debug("engine: task %d force-failed after cancel grace", id)
			}
		})
	}
	r.mu.Unlock()
	return true
}
