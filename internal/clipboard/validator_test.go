package clipboard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_ExtractPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	v := NewValidator()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", file, file},
		{"padded", "  " + file + "\n", file},
		{"quoted", `"` + file + `"`, file},
		{"file url", "file://" + file, file},
		{"directory", dir, ""},
		{"missing", filepath.Join(dir, "nope"), ""},
		{"empty", "", ""},
		{"multi line", file + "\n" + file, ""},
		{"http url", "https://example.com/photo.jpg", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.ExtractPath(tt.in))
		})
	}
}
