package yhsdk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhtransfer/internal/utils"
)

type outcome struct {
	status Status
	fid    string
	errMsg string
}

// collect returns a callback that releases every event and reports the
// terminal one on the channel.
func collect() (Callback, <-chan outcome) {
	ch := make(chan outcome, 1)
	return func(ev *CallbackEvent) {
		defer ReleaseCallback(ev)
		if ev.Terminal() {
			ch <- outcome{status: ev.Status, fid: ev.Fid, errMsg: ev.ErrorMsg}
		}
	}, ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal callback")
		return outcome{}
	}
}

func TestSDK_NotInitialized(t *testing.T) {
	CloseManager()
	assert.Nil(t, OpenSession("app", "user", "", "", ""))
	assert.ErrorIs(t, LastError(), ErrNotInitialized)
	assert.False(t, SetInternalHost("mem://x"))
	assert.Equal(t, InvalidTaskID, UploadByFid(nil, "/tmp/x", "", "", EncryptNone, false, nil, "", "", ""))
	assert.Equal(t, InvalidTaskID, Download(nil, "/tmp/x", "fid", false, nil))
	assert.Empty(t, GetURL(nil, "fid", false, 0, ""))
	assert.False(t, Cancel(nil, 1))
	CloseSession(nil)
	ReleaseCallback(nil)
}

func TestSDK_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	require.True(t, InitManager(dir, "10.0.0.2", "02:00:00:00:00:01", NetworkWifi, true))
	t.Cleanup(CloseManager)
	assert.False(t, InitManager(dir, "", "", NetworkWifi, true))

	s := OpenSession("app", "user", "dev", "sid", "cluster")
	require.NotNil(t, s)

	dirFid := CreateDir(s, "", "photos")
	require.NotEmpty(t, dirFid)

	src := filepath.Join(t.TempDir(), "pic.bin")
	data := bytes.Repeat([]byte("yh"), 50_000)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	cb, done := collect()
	id := UploadByFid(s, src, dirFid, "pic.bin", EncryptAESCBC, false, cb, "", "", "")
	require.Greater(t, id, int64(0))
	up := await(t, done)
	require.Equal(t, StatusUploadComplete, up.status, up.errMsg)
	require.NotEmpty(t, up.fid)

	assert.NotEmpty(t, GetURL(s, up.fid, false, 0, ""))
	assert.NotEmpty(t, GetThumbURL(s, up.fid, Thumb200))

	dest := filepath.Join(t.TempDir(), "copy.bin")
	cb, done = collect()
	require.Greater(t, Download(s, dest, up.fid, false, cb), id)
	down := await(t, done)
	require.Equal(t, StatusDownloadComplete, down.status, down.errMsg)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// nil callbacks are allowed
	assert.Greater(t, UploadToPath(s, src, "/pic.bin", EncryptNone, false, false, nil, "", "", true, "", "", []string{"a"}), int64(0))

	assert.Equal(t, InvalidTaskID, UploadByFid(s, filepath.Join(dir, "missing"), "", "", EncryptNone, false, nil, "", "", ""))
	assert.ErrorIs(t, LastError(), ErrInvalidPath)

	CloseSession(s)
	assert.Equal(t, InvalidTaskID, Download(s, dest, up.fid, false, nil))
	assert.ErrorIs(t, LastError(), ErrSessionClosed)

	CloseManager()
	assert.Nil(t, OpenSession("app", "user", "", "", ""))
	CloseManager()
}

func TestSDK_WifiOnlyURLAndParking(t *testing.T) {
	require.True(t, InitManager(t.TempDir(), "", "", Network3G, true))
	t.Cleanup(CloseManager)
	s := OpenSession("app", "user", "", "", "")
	require.NotNil(t, s)

	src := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	cb, done := collect()
	id := UploadToPath(s, src, "/doc.txt", EncryptNone, true, false, cb, "", "", false, "", "", nil)
	require.Greater(t, id, int64(0))

	select {
	case o := <-done:
		t.Fatalf("wifi-only task finished on cellular: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
	SetNetworkType(NetworkWifi)
	up := await(t, done)
	require.Equal(t, StatusUploadComplete, up.status, up.errMsg)

	SetNetworkType(Network3G)
	assert.Empty(t, GetURL(s, up.fid, true, 0, ""))
	assert.ErrorIs(t, LastError(), ErrNoWifi)
	assert.NotEmpty(t, GetURL(s, up.fid, false, 0, ""))
}

func TestSDK_LogToggle(t *testing.T) {
	EnableLog()
	assert.True(t, utils.IsVerbose())
	DisableLog()
	assert.False(t, utils.IsVerbose())
}
