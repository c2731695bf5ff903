package yhsdk

import (
	"yhtransfer/internal/engine"
	"yhtransfer/internal/events"
	"yhtransfer/internal/transfer/types"
)

// Session is an open caller identity. Obtain one with OpenSession.
type Session = engine.Session

// CallbackEvent is one status or progress change of a task. Pass every
// delivered event to ReleaseCallback.
type CallbackEvent = events.CallbackEvent

// Callback receives a task's events in order on a goroutine owned by the SDK.
type Callback = events.Callback

type (
	Status      = types.Status
	EncryptType = types.EncryptType
	NetworkType = types.NetworkType
	ThumbType   = types.ThumbType
	ErrorClass  = types.ErrorClass
)

const (
	StatusUnknown          = types.StatusUnknown
	StatusWaiting          = types.StatusWaiting
	StatusQueueing         = types.StatusQueueing
	StatusTaskBegin        = types.StatusTaskBegin
	StatusTaskNoWifi       = types.StatusTaskNoWifi
	StatusUploading        = types.StatusUploading
	StatusTaskFailed       = types.StatusTaskFailed
	StatusUploadComplete   = types.StatusUploadComplete
	StatusDownloading      = types.StatusDownloading
	StatusDownloadComplete = types.StatusDownloadComplete
)

const (
	EncryptSrc    = types.EncryptSrc
	EncryptNone   = types.EncryptNone
	EncryptAESECB = types.EncryptAESECB
	EncryptAESCBC = types.EncryptAESCBC
)

const (
	NetworkNone = types.NetworkNone
	Network3G   = types.Network3G
	NetworkWifi = types.NetworkWifi
)

const (
	ThumbOriginal = types.ThumbOriginal
	Thumb200      = types.Thumb200
)

// Failure classes carried in CallbackEvent.Class.
const (
	ClassNone      = types.ClassNone
	ClassAdmission = types.ClassAdmission
	ClassTransport = types.ClassTransport
	ClassIntegrity = types.ClassIntegrity
	ClassCancelled = types.ClassCancelled
	ClassFatal     = types.ClassFatal
	ClassNotFound  = types.ClassNotFound
	ClassPolicy    = types.ClassPolicy
)

// InvalidTaskID is returned when a task could not be admitted.
const InvalidTaskID = types.InvalidTaskID
