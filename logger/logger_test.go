package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWritesWhenVerbose(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, true)
	sink("hello")
	sink("world")
	assert.Equal(t, "hello\nworld\n", buf.String())
}

func TestNewDiscardsWhenNotVerbose(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, false)
	sink("should not appear")
	assert.Empty(t, buf.String())
}

func TestNewColorWritesWhenVerbose(t *testing.T) {
	var buf bytes.Buffer
	sink := NewColor(&buf, true)
	sink("colorized")
	assert.Contains(t, buf.String(), "colorized")
}

func TestNewColorDiscardsWhenNotVerbose(t *testing.T) {
	sink := NewColor(os.Stdout, false)
	assert.NotPanics(t, func() { sink("quiet") })
}

func TestProgressFormatsDoneTotalAndPercent(t *testing.T) {
	var got string
	sink := Sink(func(line string) { got = line })

	Progress(sink, 50, 100, "flashing")
	assert.True(t, strings.HasPrefix(got, "flashing: "))
	assert.Contains(t, got, "(50%)")
}

func TestProgressHandlesZeroTotal(t *testing.T) {
	var got string
	sink := Sink(func(line string) { got = line })

	Progress(sink, 0, 0, "erase")
	assert.Contains(t, got, "(100%)")
}
