package serialport

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// FramedReader layers the suspending read_exact(n, timeout) primitive spec
// §9 asks for on top of a SerialPort's raw event stream, plus a
// non-consuming sentinel listener so the ESP "OHAI" side-channel (spec
// §4.5 run_stub) can be watched concurrently with an in-flight framed read
// without dropping bytes that belong to either consumer.
//
// A single background goroutine drains the port's event stream into an
// internal buffer; ReadExact consumes from its front, sentinel listeners
// only peek.
type FramedReader struct {
	port SerialPort
	stop chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	buf       bytes.Buffer
	closed    bool
	sentinels []*sentinelWatch
}

type sentinelWatch struct {
	pattern []byte
	found   chan struct{}
	done    bool
}

// NewFramedReader starts the background drain loop for port. Callers own
// the returned FramedReader's lifetime; Close stops the drain loop so a
// later FramedReader on the same still-open port doesn't race it for
// events (e.g. AVR109's port-replacement handoff, or a standalone ESP
// operation issued after Bootload returns).
func NewFramedReader(port SerialPort) *FramedReader {
	fr := &FramedReader{port: port, stop: make(chan struct{})}
	fr.cond = sync.NewCond(&fr.mu)
	go fr.pump()
	return fr
}

// Close stops the background drain loop. Safe to call more than once.
func (fr *FramedReader) Close() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.closed {
		return
	}
	fr.closed = true
	close(fr.stop)
	fr.cond.Broadcast()
}

func (fr *FramedReader) pump() {
	events := fr.port.Events()
	for {
		var ev Event
		var ok bool
		select {
		case <-fr.stop:
			return
		case ev, ok = <-events:
		}
		if !ok {
			fr.mu.Lock()
			fr.closed = true
			fr.cond.Broadcast()
			fr.mu.Unlock()
			return
		}
		switch ev.Type {
		case EventData:
			fr.mu.Lock()
			fr.buf.Write(ev.Data)
			for _, s := range fr.sentinels {
				if !s.done && bytes.Contains(fr.buf.Bytes(), s.pattern) {
					s.done = true
					close(s.found)
				}
			}
			fr.cond.Broadcast()
			fr.mu.Unlock()
		case EventClose, EventError:
			fr.mu.Lock()
			fr.closed = true
			fr.cond.Broadcast()
			fr.mu.Unlock()
			return
		}
	}
}

// ReadExact blocks until n bytes have accumulated, consumes and returns
// them, or returns a timeout error after the given duration with no bytes
// consumed.
func (fr *FramedReader) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for fr.buf.Len() < n {
		if fr.closed {
			return nil, fmt.Errorf("port closed while waiting for %d bytes", n)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errReceiveTimeout
		}
		fr.waitWithTimeout(remaining)
	}
	out := make([]byte, n)
	fr.buf.Read(out)
	return out, nil
}

// ReadAvailable drains whatever has arrived so far without blocking for more.
func (fr *FramedReader) ReadAvailable() []byte {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make([]byte, fr.buf.Len())
	fr.buf.Read(out)
	return out
}

// Drain discards any buffered bytes for the given window, returning once no
// new byte has arrived within silence, mirroring the STK500v1 "drain
// banner" reset step and the ESP connect banner drain (spec §4.5 step 2).
func (fr *FramedReader) Drain(silence time.Duration) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.buf.Reset()
	for {
		before := fr.buf.Len()
		if !fr.waitWithTimeout(silence) {
			return
		}
		if fr.buf.Len() == before {
			return
		}
		fr.buf.Reset()
	}
}

// waitWithTimeout waits on cond for up to d, returning false on timeout.
// Caller must hold fr.mu.
func (fr *FramedReader) waitWithTimeout(d time.Duration) bool {
	woke := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		fr.mu.Lock()
		fr.cond.Broadcast()
		fr.mu.Unlock()
	})
	defer timer.Stop()
	start := time.Now()
	fr.cond.Wait()
	close(woke)
	return time.Since(start) < d
}

// WatchSentinel attaches a non-consuming listener for pattern. The returned
// channel is closed once pattern is observed anywhere in the still-buffered
// stream; remove() detaches the listener. The listener must be attached
// before the triggering command is sent and removed after, per spec §5.
func (fr *FramedReader) WatchSentinel(pattern []byte) (found <-chan struct{}, remove func()) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	sw := &sentinelWatch{pattern: pattern, found: make(chan struct{})}
	if bytes.Contains(fr.buf.Bytes(), pattern) {
		close(sw.found)
		sw.done = true
	}
	fr.sentinels = append(fr.sentinels, sw)
	return sw.found, func() {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		for i, s := range fr.sentinels {
			if s == sw {
				fr.sentinels = append(fr.sentinels[:i], fr.sentinels[i+1:]...)
				break
			}
		}
	}
}

var errReceiveTimeout = fmt.Errorf("receive timeout")

// ErrReceiveTimeout is returned by ReadExact on timeout; engines translate
// it into the spec's ReceiveTimeout kind.
func ErrReceiveTimeout() error { return errReceiveTimeout }
