// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the number of distinct convolutions already autotuned.
//
// Its Update method can be given to autotune.WithProgress, and it's safe for concurrent use.
type ProgressBar struct {
	mu       sync.Mutex
	writer   io.Writer
	termenv  *termenv.Output
	bar      *progressbar.ProgressBar
	total    int
	reported int
}

// NewProgressBar creates a progress bar that writes to w. If w is nil, os.Stderr is used.
// The bar itself is only created on the first update, once the total is known.
func NewProgressBar(w io.Writer) *ProgressBar {
	if w == nil {
		w = os.Stderr
	}
	return &ProgressBar{writer: w, termenv: termenv.NewOutput(w)}
}

// Update the progress bar: done out of total convolutions were autotuned.
func (pBar *ProgressBar) Update(done, total int) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	if pBar.bar == nil || total != pBar.total {
		pBar.total = total
		pBar.reported = 0
		pBar.termenv.HideCursor()
		pBar.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Autotuning convolutions [bold]"),
			progressbar.OptionSetWriter(pBar.writer),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("convs"),
			progressbar.OptionSetTheme(ProgressbarStyle),
		)
	}
	if amount := done - pBar.reported; amount > 0 {
		_ = pBar.bar.Add(amount)
		pBar.reported = done
	}
}

// Done returns the number of convolutions reported done so far.
func (pBar *ProgressBar) Done() int {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	return pBar.reported
}

// Finish the progress bar, restoring the cursor. It's a no-op if no update was ever received.
func (pBar *ProgressBar) Finish() {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	if pBar.bar == nil {
		return
	}
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.writer)
}
