package types

import (
	"fmt"
	"time"
)

const (
	// IncompleteSuffix marks a download that has not been verified and renamed yet.
	IncompleteSuffix = ".yhpart"

	KB = 1 << 10
	MB = 1 << 20

	// DefaultChunkSize must stay a multiple of the AES block size so only the
	// final chunk of a stream carries padding.
	DefaultChunkSize = 4 * MB
	MinChunkSize     = 64 * KB
	AlignSize        = 16

	DefaultMaxConcurrentTasks = 3
	DefaultMaxChunkAttempts   = 3
	DefaultRetryBaseDelay     = 500 * time.Millisecond
	DefaultRetryMaxDelay      = 8 * time.Second
	DefaultProgressRate       = 4 // events per second
	DefaultCancelGrace        = 2 * time.Second
	DefaultWifiPollInterval   = 5 * time.Second
	DefaultRequestTimeout     = 30 * time.Second

	// InvalidTaskID is returned by admission when no task was created.
	InvalidTaskID int64 = -1
)

// Direction of a transfer task.
type Direction uint8

const (
	DirectionUpload Direction = iota + 1
	DirectionDownload
)

func (d Direction) String() string {
	switch d {
	case DirectionUpload:
		return "upload"
	case DirectionDownload:
		return "download"
	default:
		return "unknown"
	}
}

// EncryptType selects how file bytes are transformed before transmission.
// Values match the numeric encoding used by the SDK's C consumers.
type EncryptType int

const (
	EncryptSrc    EncryptType = -1 // payload is already encrypted by the caller
	EncryptNone   EncryptType = 0
	EncryptAESECB EncryptType = 1
	EncryptAESCBC EncryptType = 2
)

func (e EncryptType) Valid() bool {
	return e >= EncryptSrc && e <= EncryptAESCBC
}

func (e EncryptType) String() string {
	switch e {
	case EncryptSrc:
		return "src"
	case EncryptNone:
		return "none"
	case EncryptAESECB:
		return "aes-ecb"
	case EncryptAESCBC:
		return "aes-cbc"
	default:
		return fmt.Sprintf("encrypt(%d)", int(e))
	}
}

// ParseEncryptType accepts the names produced by String.
func ParseEncryptType(s string) (EncryptType, error) {
	switch s {
	case "src":
		return EncryptSrc, nil
	case "", "none":
		return EncryptNone, nil
	case "aes-ecb", "ecb":
		return EncryptAESECB, nil
	case "aes-cbc", "cbc":
		return EncryptAESCBC, nil
	}
	return EncryptNone, fmt.Errorf("unknown encryption %q", s)
}

// NetworkType is the connectivity class reported by the host platform.
type NetworkType int32

const (
	NetworkNone NetworkType = 0
	Network3G   NetworkType = 1
	NetworkWifi NetworkType = 2
)

func (n NetworkType) String() string {
	switch n {
	case NetworkNone:
		return "none"
	case Network3G:
		return "cellular"
	case NetworkWifi:
		return "wifi"
	default:
		return fmt.Sprintf("network(%d)", int32(n))
	}
}

// ThumbType selects the rendition returned by thumbnail URL lookups.
type ThumbType int

const (
	ThumbOriginal ThumbType = 0
	Thumb200      ThumbType = 1
)

// ObjectInfo describes a stored object as advertised by the backend.
type ObjectInfo struct {
	Fid         string      `json:"fid"`
	Name        string      `json:"name,omitempty"`
	ParentFid   string      `json:"parent_fid,omitempty"`
	Path        string      `json:"path,omitempty"`
	Size        int64       `json:"size"` // stored (possibly encrypted) byte length
	PlainSize   int64       `json:"plain_size"`
	Digest      string      `json:"digest,omitempty"`
	Encrypt     EncryptType `json:"encrypt"`
	ContentType string      `json:"content_type,omitempty"`
	IsDir       bool        `json:"is_dir,omitempty"`
	Version     int64       `json:"version"`
	OwnerAppid  string      `json:"owner_appid,omitempty"`
	OwnerAppuid string      `json:"owner_appuid,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
