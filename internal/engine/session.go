package engine

import (
	"fmt"
	"strings"
	"sync/atomic"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/crypt"
	"yhtransfer/internal/transfer/types"
)

// Session is the caller identity every task and metadata call runs under.
// Closing it stops new calls; tasks already admitted run to completion.
type Session struct {
	Appid     string
	Appuid    string
	Devid     string
	Sid       string
	Clusterid string

	m      *Manager
	closed atomic.Bool
}

// OpenSession binds an identity to the manager. The internal host must be
// set first.
func (m *Manager) OpenSession(appid, appuid, devid, sid, clusterid string) (*Session, error) {
	if _, err := m.current(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(appid) == "" || strings.TrimSpace(appuid) == "" {
		return nil, fmt.Errorf("%w: appid and appuid are required", types.ErrInvalidArgument)
	}
	return &Session{
		Appid:     appid,
		Appuid:    appuid,
		Devid:     devid,
		Sid:       sid,
		Clusterid: clusterid,
		m:         m,
	}, nil
}

// Close invalidates the session. It is safe to call more than once.
func (s *Session) Close() {
	if s != nil {
		s.closed.Store(true)
	}
}

func (s *Session) Closed() bool {
	return s == nil || s.closed.Load()
}

func (s *Session) identity() backend.Identity {
	return backend.Identity{
		Appid:     s.Appid,
		Appuid:    s.Appuid,
		Devid:     s.Devid,
		Sid:       s.Sid,
		Clusterid: s.Clusterid,
	}
}

// keyFor derives the content key of an owner, falling back to the
// session's own identity.
func (s *Session) keyFor(ownerAppid, ownerAppuid string) []byte {
	if ownerAppid == "" && ownerAppuid == "" {
		ownerAppid, ownerAppuid = s.Appid, s.Appuid
	}
	return crypt.DeriveKey(crypt.SessionSecret(ownerAppid, ownerAppuid))
}

func (m *Manager) checkSession(s *Session) error {
	if s == nil || s.m != m {
		return types.ErrInvalidSession
	}
	if s.closed.Load() {
		return types.ErrSessionClosed
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return types.ErrManagerClosed
	}
	return nil
}
