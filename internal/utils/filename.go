package utils

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/h2non/filetype"
)

const sniffLen = 512

// SniffContentType inspects the first bytes of path. Magic-number detection
// wins; net/http's sniffer is the fallback.
func SniffContentType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "application/octet-stream"
	}
	header = header[:n]
	if n == 0 {
		return "application/octet-stream"
	}

	if kind, _ := filetype.Match(header); kind != filetype.Unknown && kind.MIME.Value != "" {
		return kind.MIME.Value
	}
	return http.DetectContentType(header)
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// SanitizeName turns a caller-supplied remote name into a single path
// element that is safe on every platform.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	name = strings.TrimSpace(name)
	name = ansiRegex.ReplaceAllString(name, "")
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	replacer := strings.NewReplacer(":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	return replacer.Replace(name)
}
