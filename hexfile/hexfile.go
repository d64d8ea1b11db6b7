// Package hexfile implements the image-ingestion collaborator of spec
// §6.4: a thin wrapper over Intel-HEX parsing that returns a contiguous
// byte image plus optional entry-point information, and a pass-through for
// the pre-addressed binary segments ESP uploads use (spec §3 FirmwareImage).
package hexfile

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Segment is one pre-addressed binary chunk (spec §3 FirmwareImage.segments).
type Segment struct {
	Address uint32
	Bytes   []byte
}

// Image is the ingestion result: a contiguous byte image starting at
// address 0 (for AVR tools), and/or a list of addressed segments (for ESP),
// plus whichever start-address record the HEX file carried.
type Image struct {
	Bytes                []byte
	StartLinearAddress   *uint32
	StartSegmentAddress  *uint32
	Segments             []Segment
}

// Parse reads an Intel-HEX file from r and returns the assembled image.
// Bytes is the contiguous range from address 0 up to the highest address
// referenced by any data record, per spec §6.4; unwritten gaps are filled
// with 0xFF (the customary flash-erased value) so page-sized engine loops
// never need gap-awareness.
func Parse(r io.Reader) (Image, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Image{}, fmt.Errorf("read hex source: %w", err)
	}

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(strings.NewReader(string(raw))); err != nil {
		return Image{}, fmt.Errorf("parse intel-hex: %w", err)
	}

	segments := make([]Segment, 0, len(mem.Segments))
	for _, s := range mem.Segments {
		data := make([]byte, len(s.Data))
		copy(data, s.Data)
		segments = append(segments, Segment{Address: s.Address, Bytes: data})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Address < segments[j].Address })

	img := Image{Segments: segments}
	if len(segments) > 0 {
		maxAddr := uint32(0)
		for _, s := range segments {
			end := s.Address + uint32(len(s.Bytes))
			if end > maxAddr {
				maxAddr = end
			}
		}
		flat := make([]byte, maxAddr)
		for i := range flat {
			flat[i] = 0xFF
		}
		for _, s := range segments {
			copy(flat[s.Address:], s.Bytes)
		}
		img.Bytes = flat
	}

	lin, seg := scanStartAddresses(raw)
	img.StartLinearAddress = lin
	img.StartSegmentAddress = seg
	return img, nil
}

// FromSegments builds an Image directly from pre-addressed binary segments,
// the path ESP firmware normally takes (spec §3 FirmwareImage).
func FromSegments(segments []Segment) Image {
	return Image{Segments: segments}
}

// scanStartAddresses reads Intel-HEX record types 03 (Start Segment
// Address) and 05 (Start Linear Address) directly, since gohex's Memory
// focuses on data segments and does not surface these. Best-effort: a file
// without either record type leaves both fields nil.
func scanStartAddresses(raw []byte) (linear, segment *uint32) {
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < 11 || line[0] != ':' {
			continue
		}
		body, err := hex.DecodeString(line[1:])
		if err != nil || len(body) < 5 {
			continue
		}
		recLen := int(body[0])
		recType := body[3]
		if len(body) < 4+recLen+1 {
			continue
		}
		data := body[4 : 4+recLen]
		switch recType {
		case 0x05: // Start Linear Address
			if len(data) == 4 {
				v := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
				linear = &v
			}
		case 0x03: // Start Segment Address
			if len(data) == 4 {
				v := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
				segment = &v
			}
		}
	}
	return
}
