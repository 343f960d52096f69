// Package progress renders interactive progress for local one-shot runs:
// mpb bars for the byte-moving stages, a percent bar for the encode, and
// plain log lines when stderr is not a terminal.
package progress

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// EncodeBar tracks a single transcode as a percentage. ffmpeg reports
// frames, not bytes, so this bar runs 0-100 rather than counting bytes.
type EncodeBar struct {
	bar         *progressbar.ProgressBar
	plain       bool
	lastPrinted int
	description string
}

// NewEncodeBar creates a percent bar for one encode. Outside a terminal it
// degrades to a log line every 10%.
func NewEncodeBar(description string) *EncodeBar {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, "%s...\n", description)
		return &EncodeBar{plain: true, lastPrinted: -1, description: description}
	}

	bar := progressbar.NewOptions64(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &EncodeBar{bar: bar, description: description}
}

// Update moves the bar to the given percentage.
func (e *EncodeBar) Update(percent float64, fps float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	if e.plain {
		step := int(percent) / 10 * 10
		if step > e.lastPrinted {
			e.lastPrinted = step
			fmt.Fprintf(os.Stderr, "%s %d%% (%.0f fps)\n", e.description, step, fps)
		}
		return
	}
	_ = e.bar.Set64(int64(percent))
}

// Finish completes the bar.
func (e *EncodeBar) Finish() {
	if e.plain {
		if e.lastPrinted < 100 {
			fmt.Fprintf(os.Stderr, "%s done\n", e.description)
		}
		return
	}
	_ = e.bar.Finish()
}

// Fail aborts the bar and prints the error.
func (e *EncodeBar) Fail(err error) {
	if !e.plain {
		_ = e.bar.Exit()
		fmt.Fprint(os.Stderr, "\n")
	}
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", e.description, err)
}
