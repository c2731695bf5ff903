package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"yhtransfer/internal/utils"
)

// ErrDispatcherClosed is returned by Open after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

const (
	subscriberBuffer = 16
	// maxUnclaimed bounds finished channel queues nobody subscribed to yet
	maxUnclaimed = 1024
)

type item struct {
	ev       *CallbackEvent
	progress bool
}

type queue struct {
	id  int64
	cb  Callback
	out chan *CallbackEvent

	mu     sync.Mutex
	items  []item
	sealed bool // terminal event queued; later publishes are dropped
	wake   chan struct{}
	done   chan struct{}

	// guarded by Dispatcher.mu
	claimed  bool
	finished bool
}

func (q *queue) push(it item) bool {
	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		return false
	}
	if it.progress && len(q.items) > 0 && q.items[len(q.items)-1].progress {
		// coalesce: only the newest undelivered progress matters
		q.items[len(q.items)-1] = it
	} else {
		q.items = append(q.items, it)
	}
	if it.ev.Terminal() {
		q.sealed = true
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	return it, true
}

// TerminalHook runs after a task's terminal event has been delivered. ev
// is a private copy and stays valid after the receiver releases theirs.
type TerminalHook func(ev *CallbackEvent)

// Dispatcher owns one delivery goroutine per open task. Publishing never
// blocks: status events queue unconditionally, progress events coalesce.
type Dispatcher struct {
	mu        sync.Mutex
	queues    map[int64]*queue
	unclaimed []int64 // finished channel queues, oldest first
	closed    bool
	quit      chan struct{}
	wg        sync.WaitGroup
	hook      TerminalHook
}

func NewDispatcher(hook TerminalHook) *Dispatcher {
	return &Dispatcher{
		queues: make(map[int64]*queue),
		quit:   make(chan struct{}),
		hook:   hook,
	}
}

// Open starts the queue for id. With a nil cb, events are delivered on
// the channel returned by Subscribe instead.
func (d *Dispatcher) Open(id int64, cb Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if _, exists := d.queues[id]; exists {
		return fmt.Errorf("events: queue %d already open", id)
	}
	q := &queue{
		id:   id,
		cb:   cb,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if cb == nil {
		q.out = make(chan *CallbackEvent, subscriberBuffer)
	}
	d.queues[id] = q
	d.wg.Add(1)
	go d.run(q)
	return nil
}

// Subscribe returns the event channel of a queue opened without a
// callback. The channel is closed after the terminal event. A queue that
// already finished hands over its buffered events once; after that it is
// forgotten.
func (d *Dispatcher) Subscribe(id int64) (<-chan *CallbackEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[id]
	if !ok || q.out == nil {
		return nil, false
	}
	q.claimed = true
	if q.finished {
		d.forgetLocked(id)
	}
	return q.out, true
}

func (d *Dispatcher) forgetLocked(id int64) {
	delete(d.queues, id)
	for i, u := range d.unclaimed {
		if u == id {
			d.unclaimed = append(d.unclaimed[:i], d.unclaimed[i+1:]...)
			break
		}
	}
}

// retire drops a finished queue, or parks it until Subscribe when its
// events are still waiting in an unread channel.
func (d *Dispatcher) retire(q *queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q.out == nil || q.claimed {
		delete(d.queues, q.id)
		return
	}
	q.finished = true
	d.unclaimed = append(d.unclaimed, q.id)
	if len(d.unclaimed) > maxUnclaimed {
		oldest := d.unclaimed[0]
		d.unclaimed = d.unclaimed[1:]
		delete(d.queues, oldest)
		utils.Warn("events: dropping unclaimed events of task %d", oldest)
	}
}

// Publish queues a status or terminal event. It reports false if the
// queue is gone or already sealed by a terminal event.
func (d *Dispatcher) Publish(ev *CallbackEvent) bool {
	return d.publish(item{ev: ev})
}

// PublishProgress queues a progress event that may be replaced by a newer
// one before delivery.
func (d *Dispatcher) PublishProgress(ev *CallbackEvent) bool {
	if ev.Terminal() {
		return d.Publish(ev)
	}
	return d.publish(item{ev: ev, progress: true})
}

func (d *Dispatcher) publish(it item) bool {
	if it.ev == nil {
		return false
	}
	d.mu.Lock()
	q, ok := d.queues[it.ev.TaskID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	return q.push(it)
}

// Done returns a channel closed once id's terminal event was delivered or
// the dispatcher was closed. Unknown ids yield a closed channel.
func (d *Dispatcher) Done(id int64) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[id]; ok {
		return q.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Pending returns how many queues are still delivering.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues) - len(d.unclaimed)
}

// Wait blocks until every open queue has delivered its terminal event or
// ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting queues and abandons undelivered events. Use Wait
// first to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(q *queue) {
	defer d.wg.Done()
	defer func() {
		if q.out != nil {
			close(q.out)
		}
		d.retire(q)
		close(q.done)
	}()

	for {
		it, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-d.quit:
				return
			}
		}
		terminal := it.ev.Terminal()
		var copyForHook *CallbackEvent
		if terminal && d.hook != nil {
			copyForHook = it.ev.Clone()
		}
		if !d.deliver(q, it) {
			return
		}
		if terminal {
			if copyForHook != nil {
				d.hook(copyForHook)
			}
			return
		}
	}
}

func (d *Dispatcher) deliver(q *queue, it item) bool {
	ev := it.ev
	if q.cb != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					utils.Warn("events: callback for task %d panicked: %v", q.id, r)
				}
			}()
			q.cb(ev)
		}()
		return true
	}
	if it.progress {
		// progress may use half the buffer; the rest is kept for status
		// events so an unread channel never stalls the terminal one
		if len(q.out) >= cap(q.out)/2 {
			ev.Release()
			return true
		}
		q.out <- ev
		return true
	}
	select {
	case q.out <- ev:
		return true
	case <-d.quit:
		return false
	}
}
