package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// TransferUI manages the byte-moving progress bars (download, upload) for a
// local run using mpb. Outside a terminal the bars are suppressed and each
// transfer prints a start line and a summary line instead.
type TransferUI struct {
	progress   *mpb.Progress
	isTerminal bool
	completed  int32
}

// TransferBar is a single transfer's progress bar.
type TransferBar struct {
	bar        *mpb.Bar
	ui         *TransferUI
	label      string
	size       int64
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
}

// NewTransferUI creates the transfer bar container, detecting whether stderr
// is a terminal.
func NewTransferUI() *TransferUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &TransferUI{
		progress:   p,
		isTerminal: isTerminal,
	}
}

// AddBar creates a progress bar for one transfer. The label reads like
// "dest ← source"; size is the expected byte total.
func (u *TransferUI) AddBar(label string, size int64) *TransferBar {
	tb := &TransferBar{
		ui:         u,
		label:      label,
		size:       size,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
	}

	if u.isTerminal {
		tb.bar = u.progress.New(size,
			mpb.BarStyle().
				Lbound("[").
				Filler("█").
				Tip("█").
				Padding("░").
				Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(s decor.Statistics) string {
					return fmt.Sprintf("%s (%.1f MiB)", label, float64(size)/(1024*1024))
				}, decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.Any(func(s decor.Statistics) string {
					pct := float64(s.Current) / float64(s.Total) * 100
					if s.Total == 0 {
						pct = 0
					}
					return fmt.Sprintf("%6.2f%%", pct)
				}, decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
				decor.Name("  "),
				decor.Name("ETA ", decor.WCSyncWidth),
				decor.EwmaETA(decor.ET_STYLE_GO, 60),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		fmt.Fprintf(os.Stderr, "Transferring %s (%.1f MiB)\n", label, float64(size)/(1024*1024))
	}

	return tb
}

// Update advances the bar to the given byte offset. Updates are throttled to
// 300ms, and elapsed time is always fed to mpb so the EWMA speed stays honest
// through stalls.
func (b *TransferBar) Update(current int64) {
	if b.bar == nil {
		return
	}

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate)
	if elapsed < 300*time.Millisecond {
		return
	}

	b.bar.EwmaIncrBy(int(current-b.lastBytes), elapsed)
	b.lastBytes = current
	b.lastUpdate = now
}

// Complete finishes the bar and prints a one-line summary through mpb's
// writer so it lands above any remaining bars.
func (b *TransferBar) Complete(err error) {
	elapsed := time.Since(b.startTime)
	speed := float64(b.size) / elapsed.Seconds() / (1024 * 1024)

	var msg string
	if err == nil {
		if b.bar != nil {
			b.bar.SetCurrent(b.size)
			b.bar.SetTotal(b.size, true)
		}
		msg = fmt.Sprintf("✓ %s (%.1f MiB, %s, %.1f MiB/s)\n",
			b.label, float64(b.size)/(1024*1024), elapsed.Round(time.Second), speed)
	} else {
		if b.bar != nil {
			b.bar.Abort(false)
		}
		msg = fmt.Sprintf("✗ %s: %v\n", b.label, err)
	}

	if b.ui.isTerminal {
		b.ui.progress.Write([]byte(msg))
	} else {
		fmt.Fprint(os.Stderr, msg)
	}
	atomic.AddInt32(&b.ui.completed, 1)
}

// Wait blocks until every bar has rendered its final state.
func (u *TransferUI) Wait() {
	u.progress.Wait()
}

// Writer returns a writer that prints above the live bars.
func (u *TransferUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return os.Stderr
}

// IsTerminal reports whether bars are actually rendering.
func (u *TransferUI) IsTerminal() bool {
	return u.isTerminal
}

// ShortPath truncates a path to its last maxComponents components for bar
// labels. truncatePath("/a/b/c/d/file.txt", 2) → "…/d/file.txt".
func ShortPath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}
