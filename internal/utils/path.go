package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"yhtransfer/internal/transfer/types"
)

// EnsureAbsPath normalizes a path for consistent persistence lookups.
func EnsureAbsPath(path string) string {
	if path == "" {
		path = "."
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// IncompletePath is where a download lives until it is verified.
func IncompletePath(dest string) string {
	return dest + types.IncompleteSuffix
}

// ValidateUploadSource checks that path names a readable regular file.
func ValidateUploadSource(path string) (os.FileInfo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", types.ErrInvalidPath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrInvalidPath, path)
	}
	return info, nil
}

// ValidateDownloadTarget checks that path can be created: non-empty, not a
// directory, and its parent directory exists.
func ValidateDownloadTarget(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", types.ErrInvalidPath)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", types.ErrInvalidPath, path)
	}
	parent := filepath.Dir(path)
	info, err := os.Stat(parent)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", types.ErrInvalidPath, parent)
	}
	return nil
}
