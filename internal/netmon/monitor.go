// Package netmon tracks the host's connectivity class and lets tasks wait
// for wifi without holding a worker.
package netmon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

// Probe reports the current connectivity class. It is polled by Watch.
type Probe func(ctx context.Context) types.NetworkType

// Monitor holds the latest connectivity reading. Reads are lock-free.
type Monitor struct {
	class atomic.Int32

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every change
}

func New(initial types.NetworkType) *Monitor {
	m := &Monitor{changed: make(chan struct{})}
	m.class.Store(int32(initial))
	return m
}

// Current returns the last reported class.
func (m *Monitor) Current() types.NetworkType {
	return types.NetworkType(m.class.Load())
}

// IsWifi reports whether the current class is wifi.
func (m *Monitor) IsWifi() bool {
	return m.Current() == types.NetworkWifi
}

// Allows reports whether a task with the given policy may move bytes now.
func (m *Monitor) Allows(onlyWifi bool) bool {
	if !onlyWifi {
		return true
	}
	return m.IsWifi()
}

// Set records a new class and wakes waiters if it changed.
func (m *Monitor) Set(n types.NetworkType) {
	old := types.NetworkType(m.class.Swap(int32(n)))
	if old == n {
		return
	}
	utils.Debug("netmon: %s -> %s", old, n)
	m.mu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

// Changed returns a channel closed on the next class change.
func (m *Monitor) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// AwaitWifi blocks until wifi is available, ctx is done, or timeout
// elapses. A timeout <= 0 waits without limit.
func (m *Monitor) AwaitWifi(ctx context.Context, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		ch := m.Changed()
		if m.IsWifi() {
			return true
		}
		select {
		case <-ch:
		case <-expired:
			return m.IsWifi()
		case <-ctx.Done():
			return false
		}
	}
}

// Watch polls probe every interval until ctx is done.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	if probe == nil {
		return
	}
	if interval <= 0 {
		interval = types.DefaultWifiPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Set(probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
