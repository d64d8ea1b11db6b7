// Package serialporttest provides a scripted, in-memory SerialPort fake for
// exercising the bootloader engines without real hardware, per the "given a
// scripted port" language in spec §8.
package serialporttest

import (
	"sync"
	"sync/atomic"

	"github.com/duinoapp/upload-multitool/serialport"
)

// Responder inspects bytes written by the engine under test and returns the
// bytes to feed back as the simulated device's reply. A nil return sends no
// reply (used to simulate a timeout).
type Responder func(written []byte) []byte

// Port is a scripted SerialPort: every Write is handed to Responder, whose
// return value (if any) is queued as the next batch of incoming bytes.
type Port struct {
	Responder Responder

	mu       sync.Mutex
	open     atomic.Bool
	baud     uint32
	signals  serialport.Signals
	events   chan serialport.Event
	Written  [][]byte
	OpenErr  error
	WriteErr error
}

// New returns a closed scripted port; call Open or rely on the dispatcher
// to open it.
func New(responder Responder) *Port {
	return &Port{Responder: responder, events: make(chan serialport.Event, 256)}
}

func (p *Port) Open() error {
	if p.OpenErr != nil {
		return p.OpenErr
	}
	p.open.Store(true)
	p.events <- serialport.Event{Type: serialport.EventOpen}
	return nil
}

func (p *Port) Close() error {
	if p.open.CompareAndSwap(true, false) {
		p.events <- serialport.Event{Type: serialport.EventClose}
	}
	return nil
}

func (p *Port) IsOpen() bool { return p.open.Load() }

func (p *Port) BaudRate() uint32 { return atomic.LoadUint32(&p.baud) }

func (p *Port) Update(baudRate uint32) error {
	atomic.StoreUint32(&p.baud, baudRate)
	return nil
}

func (p *Port) Set(sig serialport.Signals) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sig.DTR != nil {
		p.signals.DTR = sig.DTR
	}
	if sig.RTS != nil {
		p.signals.RTS = sig.RTS
	}
	if sig.Break != nil {
		p.signals.Break = sig.Break
	}
	return nil
}

func (p *Port) Get() (serialport.SignalStatus, error) {
	return serialport.SignalStatus{}, nil
}

// Signals returns the most recent DTR/RTS/Break state passed to Set, for
// assertions on reset/reboot sequences.
func (p *Port) Signals() serialport.Signals {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signals
}

func (p *Port) Write(b []byte) (int, error) {
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	p.mu.Lock()
	p.Written = append(p.Written, cp)
	p.mu.Unlock()
	if p.Responder != nil {
		if reply := p.Responder(cp); reply != nil {
			p.events <- serialport.Event{Type: serialport.EventData, Data: reply}
		}
	}
	return len(b), nil
}

// Feed injects bytes as if they arrived from the simulated device, outside
// of the Responder's write-triggered flow (used for banners / sentinels).
func (p *Port) Feed(b []byte) {
	p.events <- serialport.Event{Type: serialport.EventData, Data: b}
}

func (p *Port) Flush() error { return nil }
func (p *Port) Drain() error { return nil }

func (p *Port) Events() <-chan serialport.Event { return p.events }

var _ serialport.SerialPort = (*Port)(nil)
