package types

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
)

var (
	ErrNotInitialized    = errors.New("sdk manager not initialized")
	ErrHostNotSet        = errors.New("internal host not set")
	ErrManagerClosed     = errors.New("sdk manager closed")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidSession    = errors.New("invalid session")
	ErrInvalidPath       = errors.New("invalid local path")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskNotFound      = errors.New("task not found")

	ErrNotFound       = errors.New("not found")
	ErrRejected       = errors.New("rejected by server")
	ErrUnavailable    = errors.New("server unavailable")
	ErrDigestMismatch = errors.New("local md5 mismatch")
	ErrSizeMismatch   = errors.New("size mismatch")
	ErrCancelled      = errors.New("task cancelled")
	ErrNoWifi         = errors.New("wifi required but not available")
	ErrBadCiphertext  = errors.New("malformed ciphertext")
)

// ErrorClass groups errors by how the engine reacts to them.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassAdmission
	ClassTransport
	ClassIntegrity
	ClassCancelled
	ClassFatal
	ClassNotFound
	ClassPolicy
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAdmission:
		return "admission"
	case ClassTransport:
		return "transport"
	case ClassIntegrity:
		return "integrity"
	case ClassCancelled:
		return "cancelled"
	case ClassFatal:
		return "fatal"
	case ClassNotFound:
		return "not-found"
	case ClassPolicy:
		return "policy"
	}
	return "unknown"
}

// Classify maps err onto its ErrorClass. Anything unrecognised is a transport fault.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, ErrManagerClosed):
		return ClassCancelled
	case errors.Is(err, ErrDigestMismatch), errors.Is(err, ErrSizeMismatch), errors.Is(err, ErrBadCiphertext):
		return ClassIntegrity
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrNoWifi):
		return ClassPolicy
	case errors.Is(err, ErrInvalidSession), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotInitialized), errors.Is(err, ErrHostNotSet):
		return ClassAdmission
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return ClassFatal
	}
	return ClassTransport
}

// Retryable reports whether a chunk-level retry may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	return Classify(err) == ClassTransport
}
