package hexfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHex = ":0400000001020304F2\n" +
	":02001000AABB89\n" +
	":0400000500000110E6\n" +
	":00000001FF\n"

func TestParseAssemblesContiguousImage(t *testing.T) {
	img, err := Parse(strings.NewReader(sampleHex))
	require.NoError(t, err)

	want := make([]byte, 18)
	for i := range want {
		want[i] = 0xFF
	}
	copy(want[0:4], []byte{0x01, 0x02, 0x03, 0x04})
	copy(want[16:18], []byte{0xAA, 0xBB})
	assert.Equal(t, want, img.Bytes)

	require.Len(t, img.Segments, 2)
	assert.Equal(t, uint32(0), img.Segments[0].Address)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, img.Segments[0].Bytes)
	assert.Equal(t, uint32(16), img.Segments[1].Address)
	assert.Equal(t, []byte{0xAA, 0xBB}, img.Segments[1].Bytes)
}

func TestParseScansStartLinearAddress(t *testing.T) {
	img, err := Parse(strings.NewReader(sampleHex))
	require.NoError(t, err)
	require.NotNil(t, img.StartLinearAddress)
	assert.Equal(t, uint32(0x00000110), *img.StartLinearAddress)
	assert.Nil(t, img.StartSegmentAddress)
}

func TestParseInvalidHexReturnsError(t *testing.T) {
	_, err := Parse(strings.NewReader("not a hex file"))
	require.Error(t, err)
}

func TestFromSegmentsPassesThrough(t *testing.T) {
	segs := []Segment{
		{Address: 0x1000, Bytes: []byte{1, 2, 3}},
		{Address: 0x2000, Bytes: []byte{4, 5}},
	}
	img := FromSegments(segs)
	assert.Equal(t, segs, img.Segments)
	assert.Nil(t, img.Bytes)
	assert.Nil(t, img.StartLinearAddress)
}
