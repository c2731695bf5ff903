package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"yhtransfer/internal/events"
	"yhtransfer/internal/transfer/types"
)

// progressPrinter renders one task's events as a single inline line
// followed by a final status line.
type progressPrinter struct {
	mu        sync.Mutex
	out       io.Writer
	label     string
	inline    bool
	lastPrint time.Time
	lastPct   int
}

func newProgressPrinter(out io.Writer, label string) *progressPrinter {
	return &progressPrinter{out: out, label: label, lastPct: -1}
}

func (p *progressPrinter) update(ev *events.CallbackEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case ev.Status.Active():
		now := time.Now()
		if ev.Percent == p.lastPct && now.Sub(p.lastPrint) < time.Second {
			return
		}
		p.lastPct, p.lastPrint = ev.Percent, now
		fmt.Fprintf(p.out, "\r%s", formatProgressLine(p.label, ev.Percent, ev.Speed))
		p.inline = true
	case ev.Status == types.StatusTaskNoWifi:
		p.finalizeInline()
		fmt.Fprintf(p.out, "Waiting for wifi: %s\n", p.label)
	case ev.Terminal():
		p.finalizeInline()
	}
}

func (p *progressPrinter) finalizeInline() {
	if !p.inline {
		return
	}
	fmt.Fprint(p.out, "\n")
	p.inline = false
}

func formatProgressLine(label string, percent int, speed int64) string {
	bar := renderProgressBar(float64(percent), 24)
	return fmt.Sprintf("%s |%s| %3d%% %s", label, bar, percent, formatSpeed(speed))
}

func renderProgressBar(percent float64, width int) string {
	if width <= 0 {
		return ""
	}
	percent = max(0, min(percent, 100))
	fill := int(percent * float64(width) / 100)
	fill = max(0, min(fill, width))
	return strings.Repeat("#", fill) + strings.Repeat("-", width-fill)
}

func formatSpeed(speed int64) string {
	if speed <= 0 {
		return "0 B/s"
	}
	return fmt.Sprintf("%s/s", humanize.IBytes(uint64(speed)))
}
