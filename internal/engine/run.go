package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/events"
	"yhtransfer/internal/registry"
	"yhtransfer/internal/state"
	"yhtransfer/internal/transfer"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

func (m *Manager) execute(ctx context.Context, r *run, tr *transfer.Transporter, dup *registry.Duplicate) {
	defer m.wg.Done()
	defer r.cancel(nil)
	defer r.stopGrace()

	if dup != nil {
		utils.Debug("engine: task %d is a duplicate of %s", r.task.ID, dup.Fid)
		m.finish(r, types.StatusUploadComplete, dup.Fid, nil)
		return
	}
	if !m.advance(r, types.StatusQueueing) {
		return
	}

	for {
		if err := m.slots.Acquire(ctx, 1); err != nil {
			m.fail(ctx, r, err)
			return
		}
		if !m.advance(r, types.StatusTaskBegin) {
			m.slots.Release(1)
			return
		}
		if m.net.Allows(r.task.Req.OnlyWifi) {
			break
		}
		// parked tasks give their slot back
		m.slots.Release(1)
		if !m.advance(r, types.StatusTaskNoWifi) {
			return
		}
		if !m.net.AwaitWifi(ctx, 0) {
			m.fail(ctx, r, ctx.Err())
			return
		}
	}
	defer m.slots.Release(1)

	fid, err := m.transport(ctx, r, tr)
	if err != nil {
		m.fail(ctx, r, err)
		return
	}
	done := types.StatusUploadComplete
	if r.task.Req.Direction == types.DirectionDownload {
		done = types.StatusDownloadComplete
	}
	m.finish(r, done, fid, nil)
}

// advance applies a non-terminal transition and publishes it. It reports
// false when the task can no longer move, e.g. after a forced failure.
func (m *Manager) advance(r *run, to types.Status) bool {
	snap, err := m.registry.Update(r.task.ID, to)
	if err != nil {
		utils.Debug("engine: task %d: %v", r.task.ID, err)
		return false
	}
	m.events.Publish(eventFrom(snap))
	return true
}

// finish applies a terminal transition and publishes it. Only the first
// call for a task succeeds.
func (m *Manager) finish(r *run, terminal types.Status, fid string, cause error) bool {
	snap, err := m.registry.Finalize(r.task.ID, terminal, fid, cause)
	if err != nil {
		return false
	}
	if cause != nil {
		utils.Debug("engine: task %d failed (%s): %v", r.task.ID, types.Classify(cause), cause)
	} else {
		utils.Debug("engine: task %d %s fid=%s", r.task.ID, terminal, fid)
	}
	m.events.Publish(eventFrom(snap))
	return true
}

// fail finalizes with err, replacing it by the cancellation cause when the
// task's context was cancelled.
func (m *Manager) fail(ctx context.Context, r *run, err error) {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = cause
		}
	}
	if err == nil {
		err = errors.New("task failed")
	}
	m.finish(r, types.StatusTaskFailed, "", err)
}

func (m *Manager) hooks(r *run, active types.Status) transfer.Hooks {
	id := r.task.ID
	onlyWifi := r.task.Req.OnlyWifi
	return transfer.Hooks{
		Begin: func(total int64) {
			r.setTotal(total)
			m.advance(r, active)
		},
		Progress: func(p transfer.Progress) {
			if snap, ok := m.registry.Progress(id, p.Percent, p.Speed); ok {
				m.events.PublishProgress(eventFrom(snap))
			}
		},
		Check: func() error {
			if onlyWifi && !m.net.IsWifi() {
				return fmt.Errorf("network changed to %s: %w", m.net.Current(), types.ErrNoWifi)
			}
			return nil
		},
	}
}

func (m *Manager) transport(ctx context.Context, r *run, tr *transfer.Transporter) (string, error) {
	req := r.task.Req
	s := r.session
	ctx = backend.WithIdentity(ctx, s.identity())

	if req.Direction == types.DirectionDownload {
		info, err := tr.Download(ctx, transfer.DownloadJob{
			Fid:       req.Fid,
			LocalPath: req.LocalPath,
			KeyFor: func(info *types.ObjectInfo) []byte {
				return s.keyFor(info.OwnerAppid, info.OwnerAppuid)
			},
		}, m.hooks(r, types.StatusDownloading))
		if errors.Is(err, types.ErrNotFound) {
			// the object is gone; uploads must not dedup onto it
			if ferr := m.registry.Forget(req.Fid); ferr != nil {
				utils.Warn("engine: failed to forget fid %s: %v", req.Fid, ferr)
			}
		}
		if err != nil {
			return "", err
		}
		return info.Fid, nil
	}

	info, err := tr.Upload(ctx, transfer.UploadJob{
		LocalPath: req.LocalPath,
		Digest:    req.Digest,
		Key:       s.keyFor(req.OwnerAppid, req.OwnerAppuid),
		Spec: backend.UploadSpec{
			ParentFid:   req.ParentFid,
			Name:        req.Name,
			Path:        req.RemotePath,
			Encrypt:     req.Encrypt,
			Force:       req.Force,
			OwnerAppid:  req.OwnerAppid,
			OwnerAppuid: req.OwnerAppuid,
			IsOwner:     req.IsOwner,
			Cert:        req.Cert,
			Tags:        req.Tags,
		},
	}, m.hooks(r, types.StatusUploading))
	if err != nil {
		return "", err
	}
	if err := m.registry.Remember(r.task, info.Digest, info.Fid, info.PlainSize); err != nil {
		utils.Warn("engine: failed to record upload of task %d: %v", r.task.ID, err)
	}
	return info.Fid, nil
}

// onTerminal runs after a task's terminal event reached the receiver. It
// persists the outcome and evicts the task.
func (m *Manager) onTerminal(ev *events.CallbackEvent) {
	m.mu.Lock()
	r := m.runs[ev.TaskID]
	delete(m.runs, ev.TaskID)
	m.mu.Unlock()

	if r != nil {
		req := r.task.Req
		remote := req.Fid
		switch {
		case req.RemotePath != "":
			remote = req.RemotePath
		case req.Direction == types.DirectionUpload:
			remote = req.ParentFid + "/" + req.Name
		}
		r.mu.Lock()
		size := r.total
		r.mu.Unlock()
		err := state.AddToHistory(state.TaskRecord{
			TaskID:     ev.TaskID,
			Direction:  req.Direction.String(),
			LocalPath:  req.LocalPath,
			Remote:     remote,
			Fid:        ev.Fid,
			Status:     ev.Status.String(),
			Error:      ev.ErrorMsg,
			Size:       size,
			CreatedAt:  r.task.CreatedAt.Unix(),
			FinishedAt: time.Now().Unix(),
		})
		if err != nil {
			utils.Debug("engine: failed to record history of task %d: %v", ev.TaskID, err)
		}
	}
	m.registry.Evict(ev.TaskID)
}
