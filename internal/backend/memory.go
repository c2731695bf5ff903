package backend

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"yhtransfer/internal/transfer/types"
)

type memObject struct {
	info types.ObjectInfo
	data []byte
}

type memUpload struct {
	spec UploadSpec
	buf  []byte
}

// Memory is a Backend held entirely in process memory. Objects stored at
// the same path keep their fid and gain a version on forced overwrite.
type Memory struct {
	base string

	mu       sync.RWMutex
	objects  map[string]*memObject
	children map[string]string // parentFid + "/" + name -> fid
	paths    map[string]string // remote path -> fid
	uploads  map[string]*memUpload
}

// NewMemory returns an empty store. base prefixes the URLs it issues.
func NewMemory(base string) *Memory {
	if base == "" {
		base = "mem://local"
	}
	return &Memory{
		base:     strings.TrimRight(base, "/"),
		objects:  make(map[string]*memObject),
		children: make(map[string]string),
		paths:    make(map[string]string),
		uploads:  make(map[string]*memUpload),
	}
}

func cleanRemotePath(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean("/" + strings.TrimSpace(p))
}

func (m *Memory) Stat(ctx context.Context, fid string) (*types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[fid]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", fid, types.ErrNotFound)
	}
	info := obj.info
	return &info, nil
}

func (m *Memory) BeginUpload(ctx context.Context, spec UploadSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if spec.Size < 0 {
		return "", fmt.Errorf("%w: negative size", types.ErrRejected)
	}
	spec.Path = cleanRemotePath(spec.Path)
	if spec.Name == "" && spec.Path != "" {
		spec.Name = path.Base(spec.Path)
	}
	if spec.Name == "" {
		return "", fmt.Errorf("%w: object needs a name or path", types.ErrRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if spec.ParentFid != "" {
		parent, ok := m.objects[spec.ParentFid]
		if !ok {
			return "", fmt.Errorf("parent %s: %w", spec.ParentFid, types.ErrNotFound)
		}
		if !parent.info.IsDir {
			return "", fmt.Errorf("%w: parent %s is not a directory", types.ErrRejected, spec.ParentFid)
		}
	}
	if spec.Path != "" && !spec.Force {
		if _, exists := m.paths[spec.Path]; exists {
			return "", fmt.Errorf("%w: %s already exists", types.ErrRejected, spec.Path)
		}
	}

	id := uuid.New().String()
	m.uploads[id] = &memUpload{spec: spec, buf: make([]byte, 0, min(spec.Size, 64<<20))}
	return id, nil
}

func (m *Memory) PutChunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, types.ErrNotFound)
	}
	if offset < 0 || offset > int64(len(up.buf)) {
		return fmt.Errorf("%w: offset %d beyond received %d", types.ErrRejected, offset, len(up.buf))
	}
	if offset+int64(len(data)) > up.spec.Size {
		return fmt.Errorf("%w: chunk exceeds declared size %d", types.ErrRejected, up.spec.Size)
	}
	up.buf = append(up.buf[:offset], data...)
	return nil
}

func (m *Memory) CommitUpload(ctx context.Context, uploadID string) (*types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", uploadID, types.ErrNotFound)
	}
	if int64(len(up.buf)) != up.spec.Size {
		return nil, fmt.Errorf("%w: received %d of %d bytes", types.ErrSizeMismatch, len(up.buf), up.spec.Size)
	}
	delete(m.uploads, uploadID)

	spec := up.spec
	info := types.ObjectInfo{
		Fid:         uuid.New().String(),
		Name:        spec.Name,
		ParentFid:   spec.ParentFid,
		Path:        spec.Path,
		Size:        spec.Size,
		PlainSize:   spec.PlainSize,
		Digest:      spec.Digest,
		Encrypt:     spec.Encrypt,
		ContentType: spec.ContentType,
		Version:     1,
		OwnerAppid:  spec.OwnerAppid,
		OwnerAppuid: spec.OwnerAppuid,
		Tags:        append([]string(nil), spec.Tags...),
		CreatedAt:   time.Now(),
	}
	if spec.Path != "" {
		if fid, exists := m.paths[spec.Path]; exists {
			info.Fid = fid
			info.Version = m.objects[fid].info.Version + 1
		}
		m.paths[spec.Path] = info.Fid
	}
	if spec.ParentFid != "" {
		m.children[spec.ParentFid+"/"+spec.Name] = info.Fid
	}
	m.objects[info.Fid] = &memObject{info: info, data: up.buf}
	out := info
	return &out, nil
}

func (m *Memory) AbortUpload(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func (m *Memory) ReadChunk(ctx context.Context, fid string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[fid]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", fid, types.ErrNotFound)
	}
	size := int64(len(obj.data))
	if offset < 0 || offset > size || length < 0 {
		return nil, fmt.Errorf("%w: range %d+%d outside %d", types.ErrRejected, offset, length, size)
	}
	end := min(offset+length, size)
	out := make([]byte, end-offset)
	copy(out, obj.data[offset:end])
	return out, nil
}

func (m *Memory) CreateDir(ctx context.Context, parentFid, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: bad directory name %q", types.ErrRejected, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if parentFid != "" {
		parent, ok := m.objects[parentFid]
		if !ok {
			return "", fmt.Errorf("parent %s: %w", parentFid, types.ErrNotFound)
		}
		if !parent.info.IsDir {
			return "", fmt.Errorf("%w: parent %s is not a directory", types.ErrRejected, parentFid)
		}
	}
	key := parentFid + "/" + name
	if fid, ok := m.children[key]; ok {
		if m.objects[fid].info.IsDir {
			return fid, nil
		}
		return "", fmt.Errorf("%w: %s exists and is a file", types.ErrRejected, name)
	}
	fid := uuid.New().String()
	m.objects[fid] = &memObject{info: types.ObjectInfo{
		Fid:       fid,
		Name:      name,
		ParentFid: parentFid,
		IsDir:     true,
		Version:   1,
		CreatedAt: time.Now(),
	}}
	m.children[key] = fid
	return fid, nil
}

func (m *Memory) URL(ctx context.Context, fid string, version int64, p string) (string, error) {
	info, err := m.Stat(ctx, fid)
	if err != nil {
		return "", err
	}
	if info.IsDir {
		return "", fmt.Errorf("%w: %s is a directory", types.ErrRejected, fid)
	}
	if version <= 0 {
		version = info.Version
	}
	q := url.Values{}
	q.Set("version", fmt.Sprint(version))
	if p != "" {
		q.Set("path", p)
	}
	return m.base + "/objects/" + url.PathEscape(fid) + "?" + q.Encode(), nil
}

func (m *Memory) ThumbURL(ctx context.Context, fid string, kind types.ThumbType) (string, error) {
	if kind == types.ThumbOriginal {
		return m.URL(ctx, fid, 0, "")
	}
	if kind != types.Thumb200 {
		return "", fmt.Errorf("%w: thumb kind %d", types.ErrInvalidArgument, kind)
	}
	info, err := m.Stat(ctx, fid)
	if err != nil {
		return "", err
	}
	if info.IsDir {
		return "", fmt.Errorf("%w: %s is a directory", types.ErrRejected, fid)
	}
	return m.base + "/thumbs/200/" + url.PathEscape(fid), nil
}

func (m *Memory) Close() error { return nil }

// Pending reports how many uploads are open. Aborted and committed uploads
// are not counted.
func (m *Memory) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

// Put stores data directly, bypassing the chunked upload path.
func (m *Memory) Put(info types.ObjectInfo, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info.Fid == "" {
		info.Fid = uuid.New().String()
	}
	if info.Version == 0 {
		info.Version = 1
	}
	info.Size = int64(len(data))
	m.objects[info.Fid] = &memObject{info: info, data: append([]byte(nil), data...)}
	return info.Fid
}
