package yhsdk

import (
	"errors"

	"yhtransfer/internal/transfer/types"
)

var errAlreadyInitialized = errors.New("sdk manager already initialized")

// Errors LastError may return, for errors.Is.
var (
	ErrNotInitialized = types.ErrNotInitialized
	ErrHostNotSet     = types.ErrHostNotSet
	ErrInvalidSession = types.ErrInvalidSession
	ErrSessionClosed  = types.ErrSessionClosed
	ErrInvalidPath    = types.ErrInvalidPath
	ErrNoWifi         = types.ErrNoWifi
	ErrNotFound       = types.ErrNotFound
)
