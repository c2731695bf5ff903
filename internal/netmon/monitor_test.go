package netmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhtransfer/internal/transfer/types"
)

func TestMonitor_SetAndAllows(t *testing.T) {
	m := New(types.Network3G)
	assert.Equal(t, types.Network3G, m.Current())
	assert.False(t, m.IsWifi())
	assert.True(t, m.Allows(false))
	assert.False(t, m.Allows(true))

	m.Set(types.NetworkWifi)
	assert.True(t, m.Allows(true))
}

func TestMonitor_AwaitWifiWakesOnChange(t *testing.T) {
	m := New(types.NetworkNone)
	done := make(chan bool, 1)
	go func() { done <- m.AwaitWifi(context.Background(), 0) }()

	// unrelated change does not release the waiter
	m.Set(types.Network3G)
	select {
	case <-done:
		t.Fatal("AwaitWifi returned before wifi")
	case <-time.After(50 * time.Millisecond):
	}

	m.Set(types.NetworkWifi)
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("AwaitWifi did not return after wifi became available")
	}
}

func TestMonitor_AwaitWifiTimeoutAndCancel(t *testing.T) {
	m := New(types.Network3G)
	start := time.Now()
	assert.False(t, m.AwaitWifi(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, m.AwaitWifi(ctx, time.Second))
}

func TestMonitor_AwaitWifiImmediate(t *testing.T) {
	m := New(types.NetworkWifi)
	assert.True(t, m.AwaitWifi(context.Background(), time.Millisecond))
}

func TestMonitor_WatchPollsProbe(t *testing.T) {
	m := New(types.NetworkNone)
	var calls atomic.Int32
	probe := func(context.Context) types.NetworkType {
		if calls.Add(1) >= 2 {
			return types.NetworkWifi
		}
		return types.Network3G
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx, probe, 10*time.Millisecond)

	require.Eventually(t, m.IsWifi, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
