package transfer

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Progress is one throttled observation of a running transfer.
type Progress struct {
	Transferred int64
	Total       int64
	Percent     int
	Speed       int64 // bytes per second over the recent window
}

const speedWindow = time.Second

// tracker turns byte counts into rate-limited Progress reports. The speed
// estimate uses a sliding window so a stall decays towards zero.
type tracker struct {
	mu          sync.Mutex
	total       int64
	transferred int64
	limiter     *rate.Limiter
	emit        func(Progress)

	windowStart time.Time
	windowBytes int64
	speed       float64
	lastPercent int
}

func newTracker(total int64, perSecond float64, emit func(Progress)) *tracker {
	now := time.Now()
	return &tracker{
		total:       total,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), 1),
		emit:        emit,
		windowStart: now,
	}
}

func percentOf(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	return max(0, min(100, p))
}

func (p *tracker) sample(now time.Time) {
	elapsed := now.Sub(p.windowStart)
	if elapsed < speedWindow {
		return
	}
	recent := float64(p.windowBytes) / elapsed.Seconds()
	if p.speed == 0 {
		p.speed = recent
	} else {
		p.speed = 0.5*p.speed + 0.5*recent
	}
	p.windowStart = now
	p.windowBytes = 0
}

func (p *tracker) snapshot() Progress {
	percent := percentOf(p.transferred, p.total)
	if percent < p.lastPercent {
		percent = p.lastPercent
	}
	p.lastPercent = percent
	return Progress{
		Transferred: p.transferred,
		Total:       p.total,
		Percent:     percent,
		Speed:       int64(max(0, p.speed)),
	}
}

// add accounts n more bytes and emits if the limiter allows it.
func (p *tracker) add(n int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	now := time.Now()
	p.transferred += n
	p.windowBytes += n
	p.sample(now)
	if !p.limiter.AllowN(now, 1) {
		p.mu.Unlock()
		return
	}
	ev := p.snapshot()
	p.mu.Unlock()
	p.send(ev)
}

// force emits regardless of the limiter. done pins percent to 100.
func (p *tracker) force(done bool) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.sample(time.Now())
	ev := p.snapshot()
	if done {
		ev.Percent = 100
		p.lastPercent = 100
	}
	p.mu.Unlock()
	p.send(ev)
}

func (p *tracker) send(ev Progress) {
	if p.emit != nil {
		p.emit(ev)
	}
}
