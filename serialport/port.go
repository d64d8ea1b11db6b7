// Package serialport defines the narrow serial transport capability the
// bootloader engines are built against (spec §6.2), plus a concrete
// go.bug.st/serial-backed adapter and a cross-process advisory lock.
//
// The core never talks to an OS device node directly: every engine and the
// dispatcher depend only on the SerialPort interface below, so a scripted
// fake (serialporttest) can stand in during tests without touching real
// hardware.
package serialport

import "time"

// Signals carries the subset of modem-control lines the protocols toggle.
// A nil field leaves that line untouched.
type Signals struct {
	DTR   *bool
	RTS   *bool
	Break *bool
}

// SignalStatus reports the input modem-control lines (spec §6.2 get()).
type SignalStatus struct {
	CTS bool
	DSR bool
	DCD bool
}

// EventType tags the kind of asynchronous notification a SerialPort emits.
type EventType int

const (
	EventData EventType = iota
	EventOpen
	EventClose
	EventError
)

// Event is one item from a SerialPort's event stream.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// SerialPort is the capability contract consumed by the dispatcher and every
// engine (spec §6.2). Implementations must tolerate a synchronous Open that
// re-emits EventOpen immediately, and must treat Flush as a safe no-op when
// the underlying transport has no flush concept.
type SerialPort interface {
	Open() error
	Close() error
	IsOpen() bool

	BaudRate() uint32
	// Update changes the baud rate of an already-open port.
	Update(baudRate uint32) error

	Set(sig Signals) error
	Get() (SignalStatus, error)

	Write(p []byte) (int, error)
	Flush() error
	Drain() error

	// Events returns the port's event stream. Implementations fan incoming
	// bytes out as EventData items; Open/Close/Error are reported once each.
	Events() <-chan Event
}

// PortPath is implemented by SerialPort adapters backed by a real OS device
// node, letting a caller take a cross-process Lock on it (spec §5's "no two
// upload sessions may share a port simultaneously" rule). Scripted test
// ports have no device path and simply don't implement this.
type PortPath interface {
	DevicePath() string
}

// WaitOpen blocks until an EventOpen is observed on port's event stream, or
// timeout elapses. Ports that synchronously emit EventOpen from Open() make
// this return immediately, per the §6.2 tolerance requirement.
func WaitOpen(port SerialPort, timeout time.Duration) error {
	if port.IsOpen() {
		return nil
	}
	deadline := time.After(timeout)
	events := port.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errClosed
			}
			switch ev.Type {
			case EventOpen:
				return nil
			case EventError:
				return ev.Err
			}
		case <-deadline:
			return errOpenTimeout
		}
	}
}

var errOpenTimeout = &timeoutError{"timed out waiting for open event"}
var errClosed = &timeoutError{"event stream closed before open"}

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string { return e.msg }
