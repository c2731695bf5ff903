package cli

import (
	"fmt"
	"sync"

	"yhtransfer/internal/engine"
	"yhtransfer/internal/utils"
)

var (
	globalShutdownMu   sync.Mutex
	globalShutdownOnce sync.Once
	globalShutdownErr  error
	globalShutdownFn   = func() error { return nil }
)

// registerShutdown makes m the manager closed by executeGlobalShutdown.
func registerShutdown(m *engine.Manager) {
	globalShutdownMu.Lock()
	defer globalShutdownMu.Unlock()
	globalShutdownOnce = sync.Once{}
	globalShutdownErr = nil
	globalShutdownFn = m.Close
}

func executeGlobalShutdown(reason string) error {
	globalShutdownMu.Lock()
	defer globalShutdownMu.Unlock()
	// Ensure shutdown only happens once even if multiple signals arrive.
	globalShutdownOnce.Do(func() {
		utils.Debug("Executing graceful shutdown (%s)", reason)
		globalShutdownErr = globalShutdownFn()
		if globalShutdownErr != nil {
			globalShutdownErr = fmt.Errorf("graceful shutdown failed: %w", globalShutdownErr)
		}
	})
	return globalShutdownErr
}

func resetGlobalShutdownCoordinatorForTest(fn func() error) {
	globalShutdownMu.Lock()
	defer globalShutdownMu.Unlock()
	globalShutdownOnce = sync.Once{}
	globalShutdownErr = nil
	if fn == nil {
		fn = func() error { return nil }
	}
	globalShutdownFn = fn
}
