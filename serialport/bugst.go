package serialport

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// OSPort adapts a real OS serial device, opened through go.bug.st/serial,
// to the SerialPort capability. This is the one place the core touches an
// actual transport library; everything else depends only on SerialPort.
type OSPort struct {
	name string
	mode serial.Mode

	mu     sync.Mutex
	port   serial.Port
	open   atomic.Bool
	events chan Event
	baud   uint32
}

// Open opens name at baudRate 8N1 and returns an OSPort ready for use.
func Open(name string, baudRate uint32) (*OSPort, error) {
	mode := &serial.Mode{
		BaudRate: int(baudRate),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p := &OSPort{name: name, mode: *mode, baud: baudRate, events: make(chan Event, 64)}
	if err := p.Open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *OSPort) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open.Load() {
		return nil
	}
	sp, err := serial.Open(p.name, &p.mode)
	if err != nil {
		p.emit(Event{Type: EventError, Err: err})
		return err
	}
	p.port = sp
	p.open.Store(true)
	go p.readLoop(sp)
	// Tolerate ports (real and scripted) that re-emit open synchronously,
	// per the §6.2 tolerance requirement.
	p.emit(Event{Type: EventOpen})
	return nil
}

func (p *OSPort) readLoop(sp serial.Port) {
	buf := make([]byte, 4096)
	for {
		n, err := sp.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.emit(Event{Type: EventData, Data: data})
		}
		if err != nil {
			if err == io.EOF && p.open.Load() {
				continue
			}
			p.open.Store(false)
			p.emit(Event{Type: EventClose})
			return
		}
	}
}

func (p *OSPort) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *OSPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open.Load() {
		return nil
	}
	p.open.Store(false)
	err := p.port.Close()
	p.emit(Event{Type: EventClose})
	return err
}

func (p *OSPort) IsOpen() bool { return p.open.Load() }

func (p *OSPort) BaudRate() uint32 { return p.baud }

func (p *OSPort) Update(baudRate uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode.BaudRate = int(baudRate)
	if p.open.Load() {
		if err := p.port.SetMode(&p.mode); err != nil {
			return err
		}
	}
	p.baud = baudRate
	return nil
}

func (p *OSPort) Set(sig Signals) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open.Load() {
		return nil
	}
	if sig.DTR != nil {
		if err := p.port.SetDTR(*sig.DTR); err != nil {
			return err
		}
	}
	if sig.RTS != nil {
		if err := p.port.SetRTS(*sig.RTS); err != nil {
			return err
		}
	}
	if sig.Break != nil {
		if *sig.Break {
			return p.port.Break(10 * time.Millisecond)
		}
	}
	return nil
}

func (p *OSPort) Get() (SignalStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open.Load() {
		return SignalStatus{}, nil
	}
	bits, err := p.port.GetModemStatusBits()
	if err != nil {
		return SignalStatus{}, err
	}
	return SignalStatus{CTS: bits.CTS, DSR: bits.DSR, DCD: bits.DCD}, nil
}

func (p *OSPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	sp := p.port
	p.mu.Unlock()
	if sp == nil {
		return 0, io.ErrClosedPipe
	}
	return sp.Write(b)
}

func (p *OSPort) Flush() error {
	p.mu.Lock()
	sp := p.port
	p.mu.Unlock()
	if sp == nil {
		return nil
	}
	return sp.ResetOutputBuffer()
}

func (p *OSPort) Drain() error {
	p.mu.Lock()
	sp := p.port
	p.mu.Unlock()
	if sp == nil {
		return nil
	}
	return sp.Drain()
}

func (p *OSPort) Events() <-chan Event { return p.events }

// Name returns the OS device path backing this port.
func (p *OSPort) Name() string { return p.name }

// DevicePath implements PortPath, letting the dispatcher take a
// cross-process Lock on the same path this port was opened from.
func (p *OSPort) DevicePath() string { return p.name }
