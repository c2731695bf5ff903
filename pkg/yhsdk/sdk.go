// Package yhsdk is the embeddable SDK surface. It keeps one process-wide
// manager: call InitManager, then SetInternalHost, then open sessions and
// submit transfers. Calls made before initialization or after CloseManager
// fail with an empty result or InvalidTaskID instead of blocking.
package yhsdk

import (
	"sync"

	"yhtransfer/internal/engine"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

var (
	mu  sync.RWMutex
	mgr *engine.Manager

	errMu   sync.Mutex
	lastErr error
)

func manager() (*engine.Manager, error) {
	mu.RLock()
	defer mu.RUnlock()
	if mgr == nil {
		return nil, types.ErrNotInitialized
	}
	return mgr, nil
}

// record keeps err for LastError and logs it under op.
func record(op string, err error) {
	errMu.Lock()
	lastErr = err
	errMu.Unlock()
	if err != nil {
		utils.Debug("yhsdk: %s: %v", op, err)
	}
}

// LastError returns the error of the most recent failed call, if any.
func LastError() error {
	errMu.Lock()
	defer errMu.Unlock()
	return lastErr
}

// InitManager bootstraps the SDK in workDir. It reports false when the
// SDK is already initialized or the work dir cannot be used. With testEnv
// set, an in-process store serves until SetInternalHost is called.
func InitManager(workDir, ip, mac string, networkType NetworkType, testEnv bool) bool {
	mu.Lock()
	defer mu.Unlock()
	if mgr != nil {
		record("init", errAlreadyInitialized)
		return false
	}
	m, err := engine.New(engine.Options{
		WorkDir: workDir,
		IP:      ip,
		MAC:     mac,
		Network: networkType,
		TestEnv: testEnv,
	})
	if err != nil {
		utils.Warn("yhsdk: init failed: %v", err)
		record("init", err)
		return false
	}
	mgr = m
	record("init", nil)
	return true
}

// SetInternalHost points the SDK at a storage service: http(s)://host,
// s3://bucket/prefix or mem://name. A bare host:port means http.
func SetInternalHost(host string) bool {
	m, err := manager()
	if err == nil {
		err = m.SetInternalHost(host)
	}
	record("set host", err)
	return err == nil
}

// SetNetworkType reports a connectivity change. Parked wifi-only tasks
// resume when it becomes NetworkWifi.
func SetNetworkType(n NetworkType) {
	if m, err := manager(); err == nil {
		m.Network().Set(n)
	}
}

// CloseManager fails every in-flight task, waits a bounded time for their
// terminal callbacks and releases the work dir. It is a no-op when the SDK
// is not initialized.
func CloseManager() {
	mu.Lock()
	m := mgr
	mgr = nil
	mu.Unlock()
	if m == nil {
		return
	}
	// callbacks may call back into the SDK while we drain
	if err := m.Close(); err != nil {
		utils.Warn("yhsdk: close: %v", err)
	}
}

func OpenSession(appid, appuid, devid, sid, clusterid string) *Session {
	m, err := manager()
	if err != nil {
		record("open session", err)
		return nil
	}
	s, err := m.OpenSession(appid, appuid, devid, sid, clusterid)
	record("open session", err)
	if err != nil {
		return nil
	}
	return s
}

// CloseSession invalidates s. Tasks already submitted keep running.
func CloseSession(s *Session) {
	s.Close()
}

// CreateDir returns the fid of the directory name under parentFid, or ""
// on failure.
func CreateDir(s *Session, parentFid, name string) string {
	m, err := manager()
	if err != nil {
		record("create dir", err)
		return ""
	}
	fid, err := m.CreateDir(s, parentFid, name)
	record("create dir", err)
	return fid
}

// GetURL returns a download URL for fid, or "" on failure. With onlyWifi
// set it fails unless the device is on wifi.
func GetURL(s *Session, fid string, onlyWifi bool, version int64, path string) string {
	m, err := manager()
	if err != nil {
		record("get url", err)
		return ""
	}
	u, err := m.GetURL(s, fid, onlyWifi, version, path)
	record("get url", err)
	return u
}

func GetThumbURL(s *Session, fid string, kind ThumbType) string {
	m, err := manager()
	if err != nil {
		record("get thumb url", err)
		return ""
	}
	u, err := m.GetThumbURL(s, fid, kind)
	record("get thumb url", err)
	return u
}

// releasing stands in for a nil callback so events never pile up.
func releasing(ev *CallbackEvent) { ev.Release() }

func orRelease(cb Callback) Callback {
	if cb == nil {
		return releasing
	}
	return cb
}

// UploadByFid uploads localPath as name under the directory parentFid.
// localMd5, when set, is checked against the file before any byte is sent
// and lets an identical earlier upload complete without a transfer.
//
// With onlyWifi set the task waits in TASKNOWIFI until wifi is available.
// If wifi drops after the transfer started, the task fails with
// ClassPolicy in its terminal event; resubmit it to wait again.
func UploadByFid(s *Session, localPath, parentFid, name string, encrypt EncryptType, onlyWifi bool,
	cb Callback, ownerAppid, ownerAppuid, localMd5 string) int64 {
	m, err := manager()
	if err != nil {
		record("upload", err)
		return InvalidTaskID
	}
	id, err := m.SubmitUploadByFid(s, engine.UploadByFid{
		LocalPath:   localPath,
		ParentFid:   parentFid,
		Name:        name,
		Encrypt:     encrypt,
		OnlyWifi:    onlyWifi,
		OwnerAppid:  ownerAppid,
		OwnerAppuid: ownerAppuid,
		Digest:      localMd5,
	}, orRelease(cb))
	record("upload", err)
	return id
}

// UploadToPath uploads localPath to remotePath. An existing object at
// remotePath is replaced only with force set. onlyWifi behaves as for
// UploadByFid.
func UploadToPath(s *Session, localPath, remotePath string, encrypt EncryptType, onlyWifi, force bool,
	cb Callback, appid, appuid string, isOwner bool, cert, localMd5 string, tags []string) int64 {
	m, err := manager()
	if err != nil {
		record("upload", err)
		return InvalidTaskID
	}
	id, err := m.SubmitUploadToPath(s, engine.UploadToPath{
		LocalPath:  localPath,
		RemotePath: remotePath,
		Encrypt:    encrypt,
		OnlyWifi:   onlyWifi,
		Force:      force,
		Appid:      appid,
		Appuid:     appuid,
		IsOwner:    isOwner,
		Cert:       cert,
		Digest:     localMd5,
		Tags:       tags,
	}, orRelease(cb))
	record("upload", err)
	return id
}

// Download fetches fid into localPath. onlyWifi behaves as for
// UploadByFid; a failed download never leaves a file at localPath.
func Download(s *Session, localPath, fid string, onlyWifi bool, cb Callback) int64 {
	m, err := manager()
	if err != nil {
		record("download", err)
		return InvalidTaskID
	}
	id, err := m.SubmitDownload(s, engine.Download{
		LocalPath: localPath,
		Fid:       fid,
		OnlyWifi:  onlyWifi,
	}, orRelease(cb))
	record("download", err)
	return id
}

// Cancel stops a task started under s. It reports false for unknown or
// finished tasks.
func Cancel(s *Session, taskID int64) bool {
	m, err := manager()
	if err != nil {
		record("cancel", err)
		return false
	}
	return m.Cancel(s, taskID)
}

// ReleaseCallback frees a delivered event. Releasing twice is harmless.
func ReleaseCallback(ev *CallbackEvent) {
	ev.Release()
}

func EnableLog() {
	utils.SetVerbose(true)
}

func DisableLog() {
	utils.SetVerbose(false)
}
