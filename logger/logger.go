// Package logger implements the LogSink capability (spec §4.6): a single
// write_line function threaded to every engine, discarding all calls when
// verbose is false. Formatting follows the teacher's own bare func-value
// capability pattern (compileopts.Options.PrintCommands) rather than
// introducing a structured-logging framework the narrow contract doesn't
// need.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
)

// Sink is the LogSink capability of spec §4.6.
type Sink func(line string)

// Nop discards every line; used when UploadRequest.Verbose is false.
func Nop(string) {}

// New returns a Sink that writes lines to w through go-colorable's
// non-colorable writer, which strips ANSI escape sequences, when verbose is
// true, and Nop otherwise. NewColor is the variant that keeps colors.
func New(w io.Writer, verbose bool) Sink {
	if !verbose {
		return Nop
	}
	out := colorable.NewNonColorable(w)
	var mu sync.Mutex
	return func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, line)
	}
}

// NewColor is like New but keeps ANSI sequences and, when w is an *os.File
// (such as os.Stdout), enables ANSI coloring on Windows consoles that
// otherwise print escape codes literally.
func NewColor(w io.Writer, verbose bool) Sink {
	if !verbose {
		return Nop
	}
	out := w
	if f, ok := w.(*os.File); ok {
		out = colorable.NewColorable(f)
	}
	var mu sync.Mutex
	return func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, line)
	}
}

// Progress formats a "done/total" byte-size progress line, per the
// supplemented progress-reporting feature in SPEC_FULL.md.
func Progress(sink Sink, done, total int64, msg string) {
	sink(fmt.Sprintf("%s: %s / %s (%d%%)", msg,
		bytesize.New(float64(done)), bytesize.New(float64(total)),
		percent(done, total)))
}

func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(done * 100 / total)
}
