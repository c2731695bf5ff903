package cli

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/storageserver"
	"yhtransfer/internal/transfer/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

var fidLine = regexp.MustCompile(`fid=(\S+)`)

func TestCLI_UploadDownloadAgainstServer(t *testing.T) {
	mem := backend.NewMemory("http://files.test/v1")
	srv := httptest.NewServer(storageserver.New(mem).Handler())
	defer srv.Close()

	work := t.TempDir()
	src := filepath.Join(t.TempDir(), "notes.txt")
	data := bytes.Repeat([]byte("line of notes\n"), 4000)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	common := []string{"--workdir", work, "--host", srv.URL, "--appid", "cli", "--appuid", "tester"}

	out, err := run(t, append([]string{"mkdir", "docs", "--parent", ""}, common...)...)
	require.NoError(t, err)
	dirFid := string(bytes.TrimSpace([]byte(out)))
	require.NotEmpty(t, dirFid)

	out, err = run(t, append([]string{"upload", src, "--parent", dirFid, "--to", "", "--encrypt", "cbc"}, common...)...)
	require.NoError(t, err, out)
	m := fidLine.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	fid := m[1]

	dest := filepath.Join(t.TempDir(), "copy.txt")
	out, err = run(t, append([]string{"download", fid, dest}, common...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Downloaded: copy.txt")
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	out, err = run(t, append([]string{"url", fid, "--thumb=false"}, common...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, fid)

	out, err = run(t, "history", "--workdir", work, "--limit", "5")
	require.NoError(t, err, out)
	assert.Contains(t, out, types.StatusUploadComplete.String())
	assert.Contains(t, out, types.StatusDownloadComplete.String())
}

func TestCLI_DownloadMissingFidFails(t *testing.T) {
	srv := httptest.NewServer(storageserver.New(backend.NewMemory("")).Handler())
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "none.bin")
	_, err := run(t, "download", "missing", dest, "--workdir", t.TempDir(), "--host", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoFileExists(t, dest)
}

func TestCLI_RequiresHost(t *testing.T) {
	host = ""
	_, err := run(t, "mkdir", "x", "--workdir", t.TempDir(), "--host", "")
	assert.ErrorIs(t, err, types.ErrHostNotSet)
}

func TestParseNetwork(t *testing.T) {
	n, err := parseNetwork("Cellular")
	require.NoError(t, err)
	assert.Equal(t, types.Network3G, n)
	n, err = parseNetwork("")
	require.NoError(t, err)
	assert.Equal(t, types.NetworkWifi, n)
	_, err = parseNetwork("carrier-pigeon")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestRenderProgressBar(t *testing.T) {
	assert.Equal(t, "", renderProgressBar(50, 0))
	assert.Equal(t, "-----", renderProgressBar(-3, 5))
	assert.Equal(t, "##---", renderProgressBar(40, 5))
	assert.Equal(t, "#####", renderProgressBar(150, 5))
	assert.Equal(t, "0 B/s", formatSpeed(0))
	assert.Equal(t, "1.0 KiB/s", formatSpeed(1024))
}

func TestExecuteGlobalShutdownRunsOnce(t *testing.T) {
	calls := 0
	resetGlobalShutdownCoordinatorForTest(func() error {
		calls++
		return errors.New("boom")
	})
	defer resetGlobalShutdownCoordinatorForTest(nil)

	err := executeGlobalShutdown("first")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graceful shutdown failed")
	assert.Equal(t, err, executeGlobalShutdown("second"))
	assert.Equal(t, 1, calls)
}
