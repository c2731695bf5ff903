package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhtransfer/internal/transfer/types"
)

func uploadReq() Request {
	return Request{
		Direction:     types.DirectionUpload,
		LocalPath:     "/tmp/a.bin",
		Encrypt:       types.EncryptNone,
		SessionAppid:  "app",
		SessionAppuid: "u1",
	}
}

func downloadReq() Request {
	return Request{
		Direction:     types.DirectionDownload,
		LocalPath:     "/tmp/b.bin",
		Fid:           "fid-9",
		SessionAppid:  "app",
		SessionAppuid: "u1",
	}
}

func TestAdmit_AssignsIncreasingIDs(t *testing.T) {
	r := New(nil)
	var prev int64
	for i := 0; i < 5; i++ {
		task, dup, err := r.Admit(uploadReq())
		require.NoError(t, err)
		assert.Nil(t, dup)
		assert.Greater(t, task.ID, prev)
		assert.Equal(t, types.StatusWaiting, task.Status())
		prev = task.ID
	}

	// ids are not reused after eviction
	_, err := r.Finalize(prev, types.StatusTaskFailed, "", errors.New("boom"))
	require.NoError(t, err)
	require.True(t, r.Evict(prev))
	task, _, err := r.Admit(uploadReq())
	require.NoError(t, err)
	assert.Greater(t, task.ID, prev)
}

func TestAdmit_ConcurrentIDsUnique(t *testing.T) {
	r := New(nil)
	const n = 200
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, _, err := r.Admit(uploadReq())
			if err == nil {
				ids <- task.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestAdmit_RejectsBadRequests(t *testing.T) {
	r := New(nil)

	req := uploadReq()
	req.Encrypt = types.EncryptType(7)
	_, _, err := r.Admit(req)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, _, err = r.Admit(Request{Direction: types.DirectionDownload, LocalPath: "/tmp/x"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, _, err = r.Admit(Request{LocalPath: "/tmp/x"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	assert.Equal(t, 0, r.Len())
}

func TestAdmit_Dedup(t *testing.T) {
	idx := NewMemoryIndex()
	r := New(idx)

	first := uploadReq()
	first.Digest = "ABCDEF"
	task, dup, err := r.Admit(first)
	require.NoError(t, err)
	require.Nil(t, dup)
	require.NoError(t, r.Remember(task, "", "fid-1", 42))

	again := uploadReq()
	again.Digest = "abcdef"
	_, dup, err = r.Admit(again)
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, "fid-1", dup.Fid)

	forced := again
	forced.Force = true
	_, dup, err = r.Admit(forced)
	require.NoError(t, err)
	assert.Nil(t, dup)

	// owner scope overrides the session scope
	other := again
	other.OwnerAppid, other.OwnerAppuid = "app", "u2"
	_, dup, err = r.Admit(other)
	require.NoError(t, err)
	assert.Nil(t, dup)

	explicit := again
	explicit.OwnerAppid, explicit.OwnerAppuid = "app", "u1"
	_, dup, err = r.Admit(explicit)
	require.NoError(t, err)
	assert.NotNil(t, dup)

	// an encrypted copy is a different object
	encrypted := again
	encrypted.Encrypt = types.EncryptAESECB
	_, dup, err = r.Admit(encrypted)
	require.NoError(t, err)
	assert.Nil(t, dup)

	require.NoError(t, r.Forget("fid-1"))
	_, dup, err = r.Admit(again)
	require.NoError(t, err)
	assert.Nil(t, dup, "forgotten fids are not reused")
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name     string
		path     []types.Status
		next     types.Status
		download bool
		wantErr  bool
	}{
		{name: "waiting_to_queueing", next: types.StatusQueueing},
		{name: "waiting_cannot_begin", next: types.StatusTaskBegin, wantErr: true},
		{name: "waiting_cannot_upload", next: types.StatusUploading, wantErr: true},
		{name: "queueing_to_begin", path: []types.Status{types.StatusQueueing}, next: types.StatusTaskBegin},
		{name: "begin_to_nowifi", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin}, next: types.StatusTaskNoWifi},
		{name: "nowifi_to_begin", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin, types.StatusTaskNoWifi}, next: types.StatusTaskBegin},
		{name: "nowifi_cannot_upload", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin, types.StatusTaskNoWifi}, next: types.StatusUploading, wantErr: true},
		{name: "begin_to_uploading", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin}, next: types.StatusUploading},
		{name: "begin_to_downloading", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin}, next: types.StatusDownloading, download: true},
		{name: "upload_cannot_download", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin}, next: types.StatusDownloading, wantErr: true},
		{name: "download_cannot_upload", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin}, next: types.StatusUploading, download: true, wantErr: true},
		{name: "uploading_cannot_nowifi", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin, types.StatusUploading}, next: types.StatusTaskNoWifi, wantErr: true},
		{name: "uploading_cannot_download", path: []types.Status{types.StatusQueueing, types.StatusTaskBegin, types.StatusUploading}, next: types.StatusDownloading, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			req := uploadReq()
			if tt.download {
				req = downloadReq()
			}
			task, _, err := r.Admit(req)
			require.NoError(t, err)
			for _, s := range tt.path {
				_, err := r.Update(task.ID, s)
				require.NoError(t, err)
			}
			before := task.Status()
			_, err = r.Update(task.ID, tt.next)
			if tt.wantErr {
				require.ErrorIs(t, err, types.ErrInvalidTransition)
				assert.Equal(t, before, task.Status())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.next, task.Status())
		})
	}
}

func TestFinalize_OnlyFirstWins(t *testing.T) {
	r := New(nil)
	task, _, err := r.Admit(uploadReq())
	require.NoError(t, err)
	for _, s := range []types.Status{types.StatusQueueing, types.StatusTaskBegin, types.StatusUploading} {
		_, err := r.Update(task.ID, s)
		require.NoError(t, err)
	}

	snap, err := r.Finalize(task.ID, types.StatusUploadComplete, "fid-9", nil)
	require.NoError(t, err)
	assert.Equal(t, "fid-9", snap.Fid)
	assert.Equal(t, 100, snap.Percent)

	_, err = r.Finalize(task.ID, types.StatusTaskFailed, "", types.ErrCancelled)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, types.StatusUploadComplete, task.Status())

	_, err = r.Update(task.ID, types.StatusUploadComplete)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, err = r.Finalize(task.ID, types.StatusUploading, "", nil)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestFinalize_FailureCarriesMessage(t *testing.T) {
	r := New(nil)
	task, _, err := r.Admit(uploadReq())
	require.NoError(t, err)

	snap, err := r.Finalize(task.ID, types.StatusTaskFailed, "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ErrorMsg())
}

func TestProgress_MonotonicAndClamped(t *testing.T) {
	r := New(nil)
	task, _, err := r.Admit(uploadReq())
	require.NoError(t, err)

	_, applied := r.Progress(task.ID, 50, 10)
	assert.False(t, applied, "progress before an active status is ignored")

	for _, s := range []types.Status{types.StatusQueueing, types.StatusTaskBegin, types.StatusUploading} {
		_, err := r.Update(task.ID, s)
		require.NoError(t, err)
	}

	steps := []struct {
		percent     int
		speed       int64
		wantPercent int
		wantSpeed   int64
	}{
		{percent: -5, speed: -1, wantPercent: 0, wantSpeed: 0},
		{percent: 30, speed: 100, wantPercent: 30, wantSpeed: 100},
		{percent: 20, speed: 50, wantPercent: 30, wantSpeed: 50},
		{percent: 150, speed: 70, wantPercent: 100, wantSpeed: 70},
	}
	for _, st := range steps {
		snap, applied := r.Progress(task.ID, st.percent, st.speed)
		require.True(t, applied)
		assert.Equal(t, st.wantPercent, snap.Percent)
		assert.Equal(t, st.wantSpeed, snap.Speed)
	}
}

func TestEvict_KeepsLiveTasks(t *testing.T) {
	r := New(nil)
	task, _, err := r.Admit(uploadReq())
	require.NoError(t, err)
	assert.False(t, r.Evict(task.ID))
	assert.Len(t, r.List(), 1)

	_, err = r.Finalize(task.ID, types.StatusTaskFailed, "", types.ErrCancelled)
	require.NoError(t, err)
	assert.True(t, r.Evict(task.ID))
	_, ok := r.Get(task.ID)
	assert.False(t, ok)
	assert.False(t, r.Evict(task.ID))
}

func TestFinalize_RejectsForeignDirection(t *testing.T) {
	r := New(nil)
	down, _, err := r.Admit(downloadReq())
	require.NoError(t, err)
	_, err = r.Finalize(down.ID, types.StatusUploadComplete, "fid", nil)
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, types.StatusWaiting, down.Status())

	up, _, err := r.Admit(uploadReq())
	require.NoError(t, err)
	_, err = r.Finalize(up.ID, types.StatusUploadComplete, "fid", nil)
	require.NoError(t, err)
}
