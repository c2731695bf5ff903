package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhtransfer/internal/transfer/types"
)

type recorder struct {
	mu     sync.Mutex
	events []CallbackEvent
}

func (r *recorder) callback(ev *CallbackEvent) {
	r.mu.Lock()
	r.events = append(r.events, *ev.Clone())
	r.mu.Unlock()
	ev.Release()
}

func (r *recorder) statuses() []types.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Status, 0, len(r.events))
	for i := range r.events {
		out = append(out, r.events[i].Status)
	}
	return out
}

func TestCallbackEvent_ReleaseIdempotent(t *testing.T) {
	ev := &CallbackEvent{TaskID: 1, Status: types.StatusTaskFailed, Fid: "f", ErrorMsg: "boom"}
	assert.True(t, ev.Terminal())
	ev.Release()
	ev.Release()
	assert.True(t, ev.Released())
	assert.Empty(t, ev.Fid)
	assert.Empty(t, ev.ErrorMsg)

	var nilEv *CallbackEvent
	nilEv.Release()
	assert.False(t, nilEv.Released())
}

func TestDispatcher_OrderedDeliveryAndTerminalSeal(t *testing.T) {
	rec := &recorder{}
	var hooked []*CallbackEvent
	var hookMu sync.Mutex
	d := NewDispatcher(func(ev *CallbackEvent) {
		hookMu.Lock()
		hooked = append(hooked, ev)
		hookMu.Unlock()
	})
	defer d.Close()

	require.NoError(t, d.Open(1, rec.callback))
	seq := []types.Status{types.StatusWaiting, types.StatusQueueing, types.StatusTaskBegin, types.StatusUploading}
	for _, s := range seq {
		assert.True(t, d.Publish(&CallbackEvent{TaskID: 1, Status: s}))
	}
	assert.True(t, d.Publish(&CallbackEvent{TaskID: 1, Status: types.StatusUploadComplete, Fid: "fid-1", Percent: 100}))
	assert.False(t, d.Publish(&CallbackEvent{TaskID: 1, Status: types.StatusTaskFailed}))

	select {
	case <-d.Done(1):
	case <-time.After(time.Second):
		t.Fatal("terminal event not delivered")
	}
	assert.Equal(t, append(seq, types.StatusUploadComplete), rec.statuses())
	assert.True(t, types.ValidPath(rec.statuses()))

	hookMu.Lock()
	require.Len(t, hooked, 1)
	assert.Equal(t, "fid-1", hooked[0].Fid)
	hookMu.Unlock()

	assert.False(t, d.Publish(&CallbackEvent{TaskID: 1, Status: types.StatusUploading}))
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_CoalescesProgressButKeepsStatus(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{}
	first := true
	d := NewDispatcher(nil)
	defer d.Close()

	require.NoError(t, d.Open(7, func(ev *CallbackEvent) {
		if first {
			first = false
			<-release // hold the queue so later events pile up
		}
		rec.callback(ev)
	}))

	d.Publish(&CallbackEvent{TaskID: 7, Status: types.StatusDownloading})
	for p := 1; p <= 50; p++ {
		d.PublishProgress(&CallbackEvent{TaskID: 7, Status: types.StatusDownloading, Percent: p})
	}
	d.Publish(&CallbackEvent{TaskID: 7, Status: types.StatusDownloadComplete, Percent: 100})
	close(release)

	<-d.Done(7)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 3)
	assert.Equal(t, 50, rec.events[1].Percent)
	assert.Equal(t, types.StatusDownloadComplete, rec.events[2].Status)
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(nil)
	defer func() {
		close(block)
		d.Close()
	}()
	require.NoError(t, d.Open(3, func(*CallbackEvent) { <-block }))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			d.PublishProgress(&CallbackEvent{TaskID: 3, Status: types.StatusUploading, Percent: i % 100})
			d.Publish(&CallbackEvent{TaskID: 3, Status: types.StatusUploading})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow callback")
	}
}

func TestDispatcher_SubscribeChannel(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()
	require.NoError(t, d.Open(9, nil))
	ch, ok := d.Subscribe(9)
	require.True(t, ok)

	d.Publish(&CallbackEvent{TaskID: 9, Status: types.StatusWaiting})
	d.Publish(&CallbackEvent{TaskID: 9, Status: types.StatusTaskFailed, ErrorMsg: "not found"})

	var got []types.Status
	for ev := range ch {
		got = append(got, ev.Status)
		ev.Release()
	}
	assert.Equal(t, []types.Status{types.StatusWaiting, types.StatusTaskFailed}, got)
}

func TestDispatcher_CallbackPanicDoesNotLoseTerminal(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(nil)
	defer d.Close()
	require.NoError(t, d.Open(4, func(ev *CallbackEvent) {
		if ev.Status == types.StatusWaiting {
			panic("caller bug")
		}
		rec.callback(ev)
	}))
	d.Publish(&CallbackEvent{TaskID: 4, Status: types.StatusWaiting})
	d.Publish(&CallbackEvent{TaskID: 4, Status: types.StatusTaskFailed, ErrorMsg: "x"})
	<-d.Done(4)
	assert.Equal(t, []types.Status{types.StatusTaskFailed}, rec.statuses())
}

func TestDispatcher_WaitAndClose(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Open(1, func(*CallbackEvent) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	d.Publish(&CallbackEvent{TaskID: 1, Status: types.StatusTaskFailed, ErrorMsg: "x"})
	require.NoError(t, d.Wait(context.Background()))

	d.Close()
	assert.ErrorIs(t, d.Open(2, nil), ErrDispatcherClosed)
	_, ok := d.Subscribe(2)
	assert.False(t, ok)
	select {
	case <-d.Done(42):
	default:
		t.Fatal("unknown id should report done")
	}
}

func TestDispatcher_SubscribeAfterTerminal(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()
	require.NoError(t, d.Open(5, nil))
	d.Publish(&CallbackEvent{TaskID: 5, Status: types.StatusWaiting})
	d.Publish(&CallbackEvent{TaskID: 5, Status: types.StatusUploadComplete, Fid: "dup"})

	select {
	case <-d.Done(5):
	case <-time.After(time.Second):
		t.Fatal("terminal event not delivered")
	}
	assert.Equal(t, 0, d.Pending())

	ch, ok := d.Subscribe(5)
	require.True(t, ok)
	var got []CallbackEvent
	for ev := range ch {
		got = append(got, *ev.Clone())
		ev.Release()
	}
	require.Len(t, got, 2)
	assert.Equal(t, types.StatusWaiting, got[0].Status)
	assert.Equal(t, "dup", got[1].Fid)

	_, ok = d.Subscribe(5)
	assert.False(t, ok, "finished events are handed over once")
}

func TestDispatcher_UnreadChannelDropsOnlyProgress(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()
	require.NoError(t, d.Open(6, nil))
	d.Publish(&CallbackEvent{TaskID: 6, Status: types.StatusDownloading})
	for p := 1; p <= 5*subscriberBuffer; p++ {
		d.PublishProgress(&CallbackEvent{TaskID: 6, Status: types.StatusDownloading, Percent: p})
		time.Sleep(time.Millisecond)
	}
	d.Publish(&CallbackEvent{TaskID: 6, Status: types.StatusDownloadComplete, Percent: 100})

	select {
	case <-d.Done(6):
	case <-time.After(2 * time.Second):
		t.Fatal("unread channel stalled delivery")
	}
	ch, ok := d.Subscribe(6)
	require.True(t, ok)
	var last types.Status
	n := 0
	for ev := range ch {
		last = ev.Status
		n++
		ev.Release()
	}
	assert.LessOrEqual(t, n, subscriberBuffer/2+2)
	assert.Equal(t, types.StatusDownloadComplete, last)
}
