package types

import "fmt"

// Status is the externally observable state of a transfer task.
// Numeric values follow the SDK's published enum order.
type Status int

const (
	StatusUnknown Status = iota
	StatusWaiting
	StatusQueueing
	StatusTaskBegin
	StatusTaskNoWifi
	StatusUploading
	StatusTaskFailed
	StatusUploadComplete
	StatusDownloading
	StatusDownloadComplete
)

var statusNames = map[Status]string{
	StatusUnknown:          "UNKNOWN",
	StatusWaiting:          "WAITING",
	StatusQueueing:         "QUEUEING",
	StatusTaskBegin:        "TASKBEGIN",
	StatusTaskNoWifi:       "TASKNOWIFI",
	StatusUploading:        "UPLOADING",
	StatusTaskFailed:       "TASKFAILED",
	StatusUploadComplete:   "UPLOADCOMPLETE",
	StatusDownloading:      "DOWNLOADING",
	StatusDownloadComplete: "DOWNLOADCOMPLETE",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// Terminal reports whether no further transition may follow s.
func (s Status) Terminal() bool {
	return s == StatusTaskFailed || s == StatusUploadComplete || s == StatusDownloadComplete
}

// Active reports whether bytes are moving while in s.
func (s Status) Active() bool {
	return s == StatusUploading || s == StatusDownloading
}

// AllowedFor reports whether a task moving in direction d may enter s.
// Upload statuses belong to uploads and download statuses to downloads.
func (s Status) AllowedFor(d Direction) bool {
	switch s {
	case StatusUploading, StatusUploadComplete:
		return d == DirectionUpload
	case StatusDownloading, StatusDownloadComplete:
		return d == DirectionDownload
	}
	return true
}

var transitions = map[Status][]Status{
	StatusWaiting:     {StatusQueueing, StatusTaskFailed, StatusUploadComplete},
	StatusQueueing:    {StatusTaskBegin, StatusTaskFailed},
	StatusTaskBegin:   {StatusTaskNoWifi, StatusUploading, StatusDownloading, StatusTaskFailed},
	StatusTaskNoWifi:  {StatusTaskBegin, StatusTaskFailed},
	StatusUploading:   {StatusUploadComplete, StatusTaskFailed},
	StatusDownloading: {StatusDownloadComplete, StatusTaskFailed},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether seq walks the state machine from WAITING.
// Consecutive duplicates are progress events and are allowed only while active.
func ValidPath(seq []Status) bool {
	if len(seq) == 0 {
		return true
	}
	if seq[0] != StatusWaiting {
		return false
	}
	for i := 1; i < len(seq); i++ {
		prev, cur := seq[i-1], seq[i]
		if prev == cur {
			if !cur.Active() {
				return false
			}
			continue
		}
		if !CanTransition(prev, cur) {
			return false
		}
	}
	return true
}
