// Package backend defines the remote storage contract the transporter
// talks to, plus an in-memory implementation.
package backend

import (
	"context"

	"yhtransfer/internal/transfer/types"
)

// UploadSpec describes an object about to be stored.
type UploadSpec struct {
	ParentFid   string            `json:"parent_fid,omitempty"`
	Name        string            `json:"name,omitempty"`
	Path        string            `json:"path,omitempty"`
	Size        int64             `json:"size"`       // stored bytes
	PlainSize   int64             `json:"plain_size"` // bytes before encryption
	Digest      string            `json:"digest,omitempty"`
	Encrypt     types.EncryptType `json:"encrypt"`
	ContentType string            `json:"content_type,omitempty"`
	Force       bool              `json:"force,omitempty"`
	OwnerAppid  string            `json:"owner_appid,omitempty"`
	OwnerAppuid string            `json:"owner_appuid,omitempty"`
	IsOwner     bool              `json:"is_owner,omitempty"`
	Cert        string            `json:"cert,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

// Backend is a remote object store. Chunk writes are addressed by offset so
// a retried PutChunk overwrites rather than appends.
type Backend interface {
	Stat(ctx context.Context, fid string) (*types.ObjectInfo, error)

	BeginUpload(ctx context.Context, spec UploadSpec) (uploadID string, err error)
	PutChunk(ctx context.Context, uploadID string, offset int64, data []byte) error
	CommitUpload(ctx context.Context, uploadID string) (*types.ObjectInfo, error)
	AbortUpload(ctx context.Context, uploadID string) error

	ReadChunk(ctx context.Context, fid string, offset, length int64) ([]byte, error)

	CreateDir(ctx context.Context, parentFid, name string) (string, error)
	URL(ctx context.Context, fid string, version int64, path string) (string, error)
	ThumbURL(ctx context.Context, fid string, kind types.ThumbType) (string, error)

	Close() error
}

// Identity is the session tuple a request is made on behalf of.
type Identity struct {
	Appid     string
	Appuid    string
	Devid     string
	Sid       string
	Clusterid string
}

type identityKey struct{}

// WithIdentity attaches id to ctx for backends that authenticate requests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
