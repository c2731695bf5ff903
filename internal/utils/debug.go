package utils

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"yhtransfer/internal/config"
)

// DefaultLogger reports warnings and errors to stderr regardless of verbosity.
var DefaultLogger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "2006-01-02 15:04:05",
	Prefix:          "yhtransfer",
	Level:           log.WarnLevel,
})

var (
	debugMu     sync.Mutex
	debugFile   *os.File
	debugLogger *log.Logger
	logsDir     atomic.Value // string
	verbose     atomic.Bool
)

func ConfigureDebug(dir string) {
	logsDir.Store(dir)
}

// SetVerbose enables or disables verbose logging
func SetVerbose(enabled bool) {
	verbose.Store(enabled)
}

// IsVerbose returns true if verbose logging is enabled
func IsVerbose() bool {
	return verbose.Load()
}

func currentLogsDir() string {
	if v, ok := logsDir.Load().(string); ok && v != "" {
		return v
	}
	return config.GetLogsDir()
}

func openDebugLogger() *log.Logger {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugLogger != nil {
		return debugLogger
	}
	var out io.Writer = io.Discard
	dir := currentLogsDir()
	if err := os.MkdirAll(dir, 0755); err == nil {
		name := filepath.Join(dir, fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405")))
		if f, err := os.Create(name); err == nil {
			debugFile = f
			out = f
		}
	}
	debugLogger = log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
		Level:           log.DebugLevel,
	})
	return debugLogger
}

func Debug(format string, args ...any) {
	if !IsVerbose() {
		return
	}
	openDebugLogger().Debugf(format, args...)
}

// Warn logs to stderr and, when verbose, to the debug file.
func Warn(format string, args ...any) {
	DefaultLogger.Warnf(format, args...)
	if IsVerbose() {
		openDebugLogger().Warnf(format, args...)
	}
}

// CloseDebug flushes and closes the debug log file. The next Debug call
// opens a fresh file.
func CloseDebug() {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugFile != nil {
		_ = debugFile.Sync()
		_ = debugFile.Close()
		debugFile = nil
	}
	debugLogger = nil
}

// CleanupLogs removes old log files, keeping only the most recent retentionCount files
func CleanupLogs(retentionCount int) {
	if retentionCount < 0 {
		return // Keep all logs
	}

	dir := currentLogsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var logs []fs.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "debug-") && strings.HasSuffix(entry.Name(), ".log") {
			logs = append(logs, entry)
		}
	}

	// debug-YYYYMMDD-HHMMSS.log sorts chronologically; newest first.
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].Name() > logs[j].Name()
	})

	if len(logs) <= retentionCount {
		return
	}

	for _, entry := range logs[retentionCount:] {
		_ = os.Remove(filepath.Join(dir, entry.Name()))
	}
}
