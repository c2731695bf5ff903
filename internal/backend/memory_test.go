package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhtransfer/internal/transfer/types"
)

func TestMemory_UploadAndRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")

	id, err := m.BeginUpload(ctx, UploadSpec{Name: "a.txt", Size: 10, PlainSize: 10})
	require.NoError(t, err)
	require.NoError(t, m.PutChunk(ctx, id, 0, []byte("hello")))
	// retried chunk overwrites instead of appending
	require.NoError(t, m.PutChunk(ctx, id, 0, []byte("hello")))
	require.NoError(t, m.PutChunk(ctx, id, 5, []byte("world")))

	info, err := m.CommitUpload(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Fid)
	assert.Equal(t, int64(10), info.Size)
	assert.Equal(t, 0, m.Pending())

	data, err := m.ReadChunk(ctx, info.Fid, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, "lowo", string(data))

	data, err = m.ReadChunk(ctx, info.Fid, 8, 100)
	require.NoError(t, err)
	assert.Equal(t, "ld", string(data))
}

func TestMemory_CommitSizeMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")
	id, err := m.BeginUpload(ctx, UploadSpec{Name: "a", Size: 4})
	require.NoError(t, err)
	require.NoError(t, m.PutChunk(ctx, id, 0, []byte("ab")))
	_, err = m.CommitUpload(ctx, id)
	assert.ErrorIs(t, err, types.ErrSizeMismatch)

	err = m.PutChunk(ctx, id, 2, []byte("abcdef"))
	assert.ErrorIs(t, err, types.ErrRejected)
}

func TestMemory_PathVersions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")
	put := func(force bool, body string) (*types.ObjectInfo, error) {
		id, err := m.BeginUpload(ctx, UploadSpec{Path: "/docs/a.txt", Size: int64(len(body)), Force: force})
		if err != nil {
			return nil, err
		}
		if err := m.PutChunk(ctx, id, 0, []byte(body)); err != nil {
			return nil, err
		}
		return m.CommitUpload(ctx, id)
	}

	first, err := put(false, "v1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", first.Name)

	_, err = put(false, "v2")
	assert.ErrorIs(t, err, types.ErrRejected)

	second, err := put(true, "v2")
	require.NoError(t, err)
	assert.Equal(t, first.Fid, second.Fid)
	assert.Equal(t, int64(2), second.Version)
}

func TestMemory_NotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")
	_, err := m.Stat(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = m.ReadChunk(ctx, "missing", 0, 1)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = m.URL(ctx, "missing", 0, "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemory_DirsAndURLs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("mem://test/")

	dir, err := m.CreateDir(ctx, "", "photos")
	require.NoError(t, err)
	again, err := m.CreateDir(ctx, "", "photos")
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	_, err = m.CreateDir(ctx, "nope", "x")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = m.CreateDir(ctx, "", "a/b")
	assert.ErrorIs(t, err, types.ErrRejected)

	fid := m.Put(types.ObjectInfo{Name: "p.jpg", ParentFid: dir}, []byte("jpeg"))
	u, err := m.URL(ctx, fid, 0, "/photos/p.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "mem://test/objects/"+fid))
	assert.Contains(t, u, "version=1")

	thumb, err := m.ThumbURL(ctx, fid, types.Thumb200)
	require.NoError(t, err)
	assert.Contains(t, thumb, "/thumbs/200/")

	_, err = m.URL(ctx, dir, 0, "")
	assert.ErrorIs(t, err, types.ErrRejected)
}

func TestFaulty_FailsAndCounts(t *testing.T) {
	ctx := context.Background()
	f := NewFaulty(NewMemory(""))
	id, err := f.BeginUpload(ctx, UploadSpec{Name: "a", Size: 1})
	require.NoError(t, err)

	f.FailPuts(2, nil)
	assert.ErrorIs(t, f.PutChunk(ctx, id, 0, []byte("x")), ErrInjected)
	assert.ErrorIs(t, f.PutChunk(ctx, id, 0, []byte("x")), ErrInjected)
	require.NoError(t, f.PutChunk(ctx, id, 0, []byte("x")))
	assert.Equal(t, 3, f.Calls("PutChunk"))
	assert.Equal(t, 1, f.Calls("BeginUpload"))
}

func TestFaulty_BlockHonoursContext(t *testing.T) {
	f := NewFaulty(NewMemory(""))
	entered, release := f.Block()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.PutChunk(ctx, "x", 0, nil) }()
	<-entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
