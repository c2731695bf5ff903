package clipboard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/atotto/clipboard"
)

const (
	// maxPathLength bounds what we accept from the clipboard
	maxPathLength = 4096
)

var (
	// ErrClipboardRead indicates an error reading from the clipboard
	ErrClipboardRead = errors.New("failed to read from clipboard")
	// ErrInvalidPath indicates the clipboard content is not a local file
	ErrInvalidPath = errors.New("clipboard does not contain a local file path")
)

type Validator struct {
	stat func(string) (os.FileInfo, error)
}

func NewValidator() *Validator {
	return &Validator{stat: os.Stat}
}

// ExtractPath validates text as the path of an existing regular file and
// returns it absolute. It returns "" for anything else, including file://
// prefixed text that does not resolve to a file.
func (v *Validator) ExtractPath(text string) string {
	text = strings.TrimSpace(text)

	// Quick reject: empty, too long, or contains newlines
	if text == "" || len(text) > maxPathLength || strings.ContainsAny(text, "\n\r\x00") {
		return ""
	}
	text = strings.TrimPrefix(text, "file://")
	text = strings.Trim(text, `"'`)

	abs, err := filepath.Abs(text)
	if err != nil {
		return ""
	}
	info, err := v.stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return abs
}

// ReadPath reads the clipboard and returns a local file path if found.
func ReadPath() (string, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return "", ErrClipboardRead
	}

	p := NewValidator().ExtractPath(text)
	if p == "" {
		return "", ErrInvalidPath
	}
	return p, nil
}
