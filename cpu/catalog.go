// Package cpu holds the CPU catalog of spec §3 CpuProfile: a pure table
// mapping a CPU identifier to protocol selector, page size, expected
// signature, and timing constants. Carried as embedded YAML per the
// data-driven-struct design note in spec §9, rather than a Go literal
// table or a class hierarchy.
package cpu

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v2"
)

// Protocol identifies which AVR engine a CpuProfile routes to.
type Protocol string

const (
	ProtocolSTK500v1 Protocol = "stk500v1"
	ProtocolSTK500v2 Protocol = "stk500v2"
	ProtocolAVR109   Protocol = "avr109"
)

// Timing carries the STK500v2 ENTER_PROGMODE_ISP timing constants (spec
// §4.3 step 4). Zero values are valid defaults for protocols that don't use
// them (STK500v1, AVR109).
type Timing struct {
	StabDelay   byte `yaml:"stab_delay"`
	CmdexeDelay byte `yaml:"cmdexe_delay"`
	SynchLoops  byte `yaml:"synch_loops"`
	ByteDelay   byte `yaml:"byte_delay"`
	PollValue   byte `yaml:"poll_value"`
	PollIndex   byte `yaml:"poll_index"`
}

// Profile is the spec §3 CpuProfile catalog row.
type Profile struct {
	ID        string   `yaml:"id"`
	Protocol  Protocol `yaml:"protocol"`
	Signature []byte   `yaml:"signature"`
	PageSize  int      `yaml:"page_size"`
	NumPages  int      `yaml:"num_pages"`
	Timing    Timing   `yaml:"timing"`
}

//go:embed catalog.yaml
var catalogYAML []byte

var byID map[string]Profile

func init() {
	var rows []Profile
	if err := yaml.Unmarshal(catalogYAML, &rows); err != nil {
		panic(fmt.Sprintf("cpu: embedded catalog.yaml is invalid: %v", err))
	}
	byID = make(map[string]Profile, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
}

// Lookup returns the Profile for id, and whether it was found.
func Lookup(id string) (Profile, bool) {
	p, ok := byID[id]
	return p, ok
}

// IDs returns every catalog CPU identifier, for diagnostics and tests.
func IDs() []string {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	return ids
}
