package engine

import (
	"context"
	"fmt"
	"strings"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/transfer/types"
)

func (m *Manager) metaContext(s *Session) (context.Context, context.CancelFunc) {
	ctx := backend.WithIdentity(m.ctx, s.identity())
	return context.WithTimeout(ctx, m.runtime.GetRequestTimeout())
}

// sessionBackend returns the current backend and its generation, which
// keys cached URLs so a host change never serves stale ones.
func (m *Manager) sessionBackend(s *Session) (backend.Backend, int64, error) {
	if err := m.checkSession(s); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, types.ErrManagerClosed
	}
	if m.backend == nil {
		return nil, 0, types.ErrHostNotSet
	}
	return m.backend, m.generation, nil
}

// CreateDir creates name under parentFid, or returns the existing
// directory of that name.
func (m *Manager) CreateDir(s *Session, parentFid, name string) (string, error) {
	b, _, err := m.sessionBackend(s)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty directory name", types.ErrInvalidArgument)
	}
	ctx, cancel := m.metaContext(s)
	defer cancel()
	return b.CreateDir(ctx, parentFid, name)
}

// GetURL resolves a download URL for fid. With onlyWifi set it fails with
// ErrNoWifi unless the device is on wifi. Results are cached per session
// identity.
func (m *Manager) GetURL(s *Session, fid string, onlyWifi bool, version int64, path string) (string, error) {
	b, gen, err := m.sessionBackend(s)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(fid) == "" {
		return "", fmt.Errorf("%w: empty fid", types.ErrInvalidArgument)
	}
	if !m.net.Allows(onlyWifi) {
		return "", types.ErrNoWifi
	}
	key := fmt.Sprintf("url|%d|%s|%s|%s|%d|%s", gen, s.Appid, s.Appuid, fid, version, path)
	if u := m.urls.Get(key); u != "" {
		return u, nil
	}
	ctx, cancel := m.metaContext(s)
	defer cancel()
	u, err := b.URL(ctx, fid, version, path)
	if err != nil {
		return "", err
	}
	m.urls.Set(key, u)
	return u, nil
}

func (m *Manager) GetThumbURL(s *Session, fid string, kind types.ThumbType) (string, error) {
	b, gen, err := m.sessionBackend(s)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(fid) == "" {
		return "", fmt.Errorf("%w: empty fid", types.ErrInvalidArgument)
	}
	key := fmt.Sprintf("thumb|%d|%s|%s|%s|%d", gen, s.Appid, s.Appuid, fid, kind)
	if u := m.urls.Get(key); u != "" {
		return u, nil
	}
	ctx, cancel := m.metaContext(s)
	defer cancel()
	u, err := b.ThumbURL(ctx, fid, kind)
	if err != nil {
		return "", err
	}
	m.urls.Set(key, u)
	return u, nil
}
