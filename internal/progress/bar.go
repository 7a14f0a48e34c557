// Package progress renders per-disk transfer progress on stderr, grounded
// on the teacher's sna/progress/model.go theme and option set.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

var theme = progressbar.Theme{
	Saucer:        "[green]=[reset]",
	SaucerHead:    "[green]>[reset]",
	SaucerPadding: " ",
	BarStart:      "[",
	BarEnd:        "]",
}

// Bar wraps a progressbar.ProgressBar, adding a disabled mode for streams
// with zero dirty extents (spec.md §4.C: progress is disabled when an
// incremental stream has no data extents).
type Bar struct {
	bar      *progressbar.ProgressBar
	disabled bool
}

// NewDataBar returns a byte-count progress bar for size bytes of expected
// transfer. If size is zero the bar is disabled and all writes are no-ops,
// matching spec.md's "no dirty extents" case.
func NewDataBar(desc string, size int64) *Bar {
	if size <= 0 {
		return &Bar{disabled: true}
	}
	return &Bar{bar: dataProgressBar(desc, size)}
}

func dataProgressBar(desc string, size int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionUseIECUnits(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetTheme(theme),
	)
}

// Add advances the bar by n bytes; a no-op when disabled.
func (b *Bar) Add(n int64) {
	if b.disabled {
		return
	}
	_ = b.bar.Add64(n)
}

// Finish marks the bar complete.
func (b *Bar) Finish() {
	if b.disabled {
		return
	}
	_ = b.bar.Finish()
}

// Writer returns an io.Writer that advances the bar as bytes flow through
// it, for wrapping a stream copy with io.TeeReader/io.MultiWriter style use.
func (b *Bar) Writer() io.Writer {
	return barWriter{b}
}

type barWriter struct{ b *Bar }

func (w barWriter) Write(p []byte) (int, error) {
	w.b.Add(int64(len(p)))
	return len(p), nil
}
