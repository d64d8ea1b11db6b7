// Package avr109 implements the AVR109 / LUFA-CDC bootloader protocol
// (spec §4.4): a human-readable single-character command set whose
// trickiest aspect is that the serial port identity itself changes
// mid-session, because entering the bootloader requires a 1200-baud touch
// followed by USB re-enumeration.
package avr109

import (
	"bytes"
	"context"
	"time"

	uploadmt "github.com/duinoapp/upload-multitool"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
)

// Single-character commands, per spec §6.3.
const (
	cmdEnterProg      = 'P'
	cmdLeaveProg      = 'L'
	cmdSetAddress     = 'A'
	cmdAutoIncProbe   = 'a'
	cmdBlockModeProbe = 'b'
	cmdBlockLoad      = 'B'
	cmdBlockRead      = 'g'
	cmdWriteFlashLo   = 'c'
	cmdWriteFlashHi   = 'C'
	cmdIssuePageWrite = 'm'
	cmdReadFlash      = 'R'
	cmdSelectDevice   = 'T'
	cmdDeviceCodes    = 't'
	cmdExitBootloader = 'E'
	cmdSoftwareID     = 'S'
	cmdSoftwareVer    = 'V'
	cmdHardwareVer    = 'v'
	cmdProgrammerType = 'p'

	respEmpty        = '\r'
	respNotSupported = '?'

	memFlash = 'F'
)

// Options carries the per-session configuration this engine needs.
type Options struct {
	Signature    [3]byte // informational only; AVR109 signs on via ASCII ID
	PageSize     int
	Speed        uint32 // upload baud rate; 0 defaults to 57600
	DeviceCode   byte   // 0 selects the bootloader's first offered code
	OriginalBaud uint32
	Reconnect    uploadmt.ReconnectCallback
}

// Engine implements uploadmt.BootloadEngine for AVR109.
type Engine struct {
	port  serialport.SerialPort
	log   logger.Sink
	opt   Options
	image []byte

	autoInc     bool
	blockMode   bool
	bufferSize  int
}

// New constructs an Engine bound to port carrying image.
func New(port serialport.SerialPort, log logger.Sink, image []byte, opt Options) *Engine {
	if log == nil {
		log = logger.Nop
	}
	if opt.Speed == 0 {
		opt.Speed = 57600
	}
	return &Engine{port: port, log: log, opt: opt, image: image}
}

// Bootload drives the full AVR109 lifecycle of spec §4.4 and returns the
// port the caller should keep using afterward -- which may be a
// replacement obtained via Options.Reconnect.
func (e *Engine) Bootload() (serialport.SerialPort, error) {
	port, err := e.enterBootloader()
	if err != nil {
		return e.port, err
	}
	e.port = port
	fr := serialport.NewFramedReader(e.port)
	defer fr.Close()

	if err := e.sync(fr, 5); err != nil {
		return e.port, err
	}
	if err := e.initDevice(fr); err != nil {
		return e.port, err
	}
	if err := e.program(fr); err != nil {
		e.leave(fr)
		return e.port, err
	}
	if err := e.verify(fr); err != nil {
		e.leave(fr)
		return e.port, err
	}
	e.leave(fr)

	return e.exitBootloader()
}

// enterBootloader performs the 1200-baud touch and reconnect handshake
// (spec §4.4 step 1). Per spec §9's resolution of the open question, AVR109
// never toggles DTR/RTS -- only the baud touch, which is authoritative.
func (e *Engine) enterBootloader() (serialport.SerialPort, error) {
	if err := e.port.Update(1200); err != nil {
		return nil, uploadmt.Errf(uploadmt.KindIoWrite, err, "1200-baud touch")
	}
	time.Sleep(500 * time.Millisecond)
	if err := e.port.Close(); err != nil {
		return nil, uploadmt.Errf(uploadmt.KindIoClose, err, "close before reconnect")
	}
	return e.reconnect(uploadmt.ReconnectParams{BaudRate: e.opt.Speed})
}

// reconnect races the caller-supplied callback against a 30s timeout, per
// spec §5 and §9.
func (e *Engine) reconnect(params uploadmt.ReconnectParams) (serialport.SerialPort, error) {
	if e.opt.Reconnect == nil {
		return nil, uploadmt.Errf(uploadmt.KindReconnectRejected, nil, "no reconnect callback configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type result struct {
		port serialport.SerialPort
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := e.opt.Reconnect(ctx, params)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, uploadmt.Errf(uploadmt.KindReconnectRejected, r.err, "reconnect callback failed")
		}
		if err := serialport.WaitOpen(r.port, time.Second); err != nil {
			return nil, uploadmt.Errf(uploadmt.KindIoOpen, err, "reconnected port did not open")
		}
		return r.port, nil
	case <-ctx.Done():
		return nil, uploadmt.Errf(uploadmt.KindReconnectTimeout, ctx.Err(), "reconnect callback timed out")
	}
}

func (e *Engine) sync(fr *serialport.FramedReader, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if _, err := e.port.Write([]byte{cmdSoftwareID}); err != nil {
			return uploadmt.Errf(uploadmt.KindIoWrite, err, "send RETURN_SOFTWARE_ID")
		}
		reply, err := fr.ReadExact(7, time.Second)
		if err != nil {
			lastErr = uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "RETURN_SOFTWARE_ID")
			continue
		}
		_ = reply // 7 ASCII chars, identity not otherwise validated
		return nil
	}
	return uploadmt.Errf(uploadmt.KindReconnectRejected, lastErr, "could not sync AVR109 bootloader")
}

func (e *Engine) initDevice(fr *serialport.FramedReader) error {
	if _, err := e.readFixed(fr, []byte{cmdSoftwareVer}, 2); err != nil {
		return err
	}
	// Hardware version probe: a bare '?' means "not implemented".
	if _, err := e.port.Write([]byte{cmdHardwareVer}); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "send hardware version probe")
	}
	probe, err := fr.ReadExact(1, time.Second)
	if err != nil {
		return uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "hardware version probe")
	}
	if probe[0] != respNotSupported {
		if _, err := fr.ReadExact(1, time.Second); err != nil {
			return uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "hardware version remainder")
		}
	}
	if _, err := e.readFixed(fr, []byte{cmdProgrammerType}, 1); err != nil {
		return err
	}

	autoInc, err := e.readFixed(fr, []byte{cmdAutoIncProbe}, 1)
	if err != nil {
		return err
	}
	e.autoInc = autoInc[0] == 'Y'

	block, err := e.readFixed(fr, []byte{cmdBlockModeProbe}, 1)
	if err != nil {
		return err
	}
	if block[0] == 'Y' {
		e.blockMode = true
		sizeBytes, err := fr.ReadExact(2, time.Second)
		if err != nil {
			return uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "block mode buffer size")
		}
		e.bufferSize = int(sizeBytes[0])<<8 | int(sizeBytes[1])
	}

	codes, err := e.readUntilNUL(fr, []byte{cmdDeviceCodes})
	if err != nil {
		return err
	}
	device := e.opt.DeviceCode
	if device == 0 && len(codes) > 0 {
		device = codes[0]
	}
	if device == 0 {
		return uploadmt.Errf(uploadmt.KindUnknownDeviceCode, nil, "bootloader offered no device codes")
	}
	if err := e.expectAck(fr, []byte{cmdSelectDevice, device}); err != nil {
		return uploadmt.Errf(uploadmt.KindUnknownDeviceCode, err, "SELECT_DEVICE_TYPE 0x%02x", device)
	}
	return e.expectAck(fr, []byte{cmdEnterProg})
}

func (e *Engine) flashPageSize() int {
	if e.blockMode && e.bufferSize > 0 {
		return e.bufferSize
	}
	if e.opt.PageSize > 0 {
		return e.opt.PageSize
	}
	return 128
}

func (e *Engine) program(fr *serialport.FramedReader) error {
	pageSize := e.flashPageSize()
	image := e.image
	for addr := 0; addr < len(image); addr += pageSize {
		end := addr + pageSize
		if end > len(image) {
			end = len(image)
		}
		page := image[addr:end]
		if err := e.setAddressF(fr, addr, 2); err != nil {
			return err
		}
		if e.blockMode {
			if err := e.blockLoad(fr, page); err != nil {
				return err
			}
		} else {
			if err := e.byteModeWrite(fr, addr, page); err != nil {
				return err
			}
		}
		logger.Progress(e.log, int64(addr+len(page)), int64(len(image)), "avr109 write")
	}
	return nil
}

func (e *Engine) setAddressF(fr *serialport.FramedReader, byteAddr, wordDivisor int) error {
	wordAddr := byteAddr / wordDivisor
	return e.expectAck(fr, []byte{cmdSetAddress, byte(wordAddr >> 8), byte(wordAddr)})
}

func (e *Engine) blockLoad(fr *serialport.FramedReader, page []byte) error {
	cmd := []byte{cmdBlockLoad, byte(len(page) >> 8), byte(len(page)), memFlash}
	cmd = append(cmd, page...)
	return e.expectAck(fr, cmd)
}

func (e *Engine) byteModeWrite(fr *serialport.FramedReader, baseAddr int, page []byte) error {
	for i := 0; i < len(page); i += 2 {
		if !e.autoInc && i > 0 {
			if err := e.setAddressF(fr, baseAddr+i, 2); err != nil {
				return err
			}
		}
		lo := page[i]
		var hi byte
		if i+1 < len(page) {
			hi = page[i+1]
		}
		if err := e.expectAck(fr, []byte{cmdWriteFlashLo, lo}); err != nil {
			return err
		}
		if err := e.expectAck(fr, []byte{cmdWriteFlashHi, hi}); err != nil {
			return err
		}
	}
	if err := e.setAddressF(fr, baseAddr, 2); err != nil {
		return err
	}
	return e.expectAckTimeout(fr, []byte{cmdIssuePageWrite}, 4500*time.Millisecond)
}

func (e *Engine) verify(fr *serialport.FramedReader) error {
	pageSize := e.flashPageSize()
	image := e.image
	for addr := 0; addr < len(image); addr += pageSize {
		end := addr + pageSize
		if end > len(image) {
			end = len(image)
		}
		page := image[addr:end]
		if err := e.setAddressF(fr, addr, 2); err != nil {
			return err
		}
		var readBack []byte
		var err error
		if e.blockMode {
			readBack, err = e.blockRead(fr, len(page))
		} else {
			readBack, err = e.byteModeRead(fr, len(page))
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(readBack, page) {
			return uploadmt.Errf(uploadmt.KindVerifyFailed, nil, "page at 0x%04x mismatched on verify", addr)
		}
	}
	return nil
}

func (e *Engine) blockRead(fr *serialport.FramedReader, size int) ([]byte, error) {
	if _, err := e.port.Write([]byte{cmdBlockRead, byte(size >> 8), byte(size), memFlash}); err != nil {
		return nil, uploadmt.Errf(uploadmt.KindIoWrite, err, "send START_BLOCK_READ")
	}
	raw, err := fr.ReadExact(size, time.Second)
	if err != nil {
		return nil, uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "block read")
	}
	return deswapWords(raw), nil
}

func (e *Engine) byteModeRead(fr *serialport.FramedReader, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < size; i++ {
		if _, err := e.port.Write([]byte{cmdReadFlash}); err != nil {
			return nil, uploadmt.Errf(uploadmt.KindIoWrite, err, "send READ_PROG_MEM")
		}
		b, err := fr.ReadExact(1, time.Second)
		if err != nil {
			return nil, uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "byte read")
		}
		out = append(out, b[0])
	}
	return deswapWords(out), nil
}

// deswapWords undoes AVR109's high-byte-first word ordering on flash reads
// (spec §4.4 step 5).
func deswapWords(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	for i := 0; i+1 < len(out); i += 2 {
		out[i], out[i+1] = out[i+1], out[i]
	}
	return out
}

func (e *Engine) leave(fr *serialport.FramedReader) {
	_ = e.expectAck(fr, []byte{cmdLeaveProg})
}

// exitBootloader issues EXIT_BOOTLOADER, closes the port, waits for the
// target to re-enumerate in normal-operation mode, then obtains the
// normal-operation port by calling Reconnect again at OriginalBaud and sets
// that baud on it. The original port object is never reopened, so Reconnect
// is required on this path as well.
func (e *Engine) exitBootloader() (serialport.SerialPort, error) {
	_, _ = e.port.Write([]byte{cmdExitBootloader})
	_ = e.port.Close()
	time.Sleep(2 * time.Second)

	port, err := e.reconnect(uploadmt.ReconnectParams{BaudRate: e.opt.OriginalBaud})
	if err != nil {
		return nil, err
	}
	if err := port.Update(e.opt.OriginalBaud); err != nil {
		return port, uploadmt.Errf(uploadmt.KindIoWrite, err, "restore original baud")
	}
	return port, nil
}

// readFixed sends cmd and reads exactly n bytes of reply.
func (e *Engine) readFixed(fr *serialport.FramedReader, cmd []byte, n int) ([]byte, error) {
	if _, err := e.port.Write(cmd); err != nil {
		return nil, uploadmt.Errf(uploadmt.KindIoWrite, err, "write %q", cmd)
	}
	reply, err := fr.ReadExact(n, time.Second)
	if err != nil {
		return nil, uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "reading reply to %q", cmd)
	}
	return reply, nil
}

// readUntilNUL sends cmd and accumulates bytes until a NUL terminator.
func (e *Engine) readUntilNUL(fr *serialport.FramedReader, cmd []byte) ([]byte, error) {
	if _, err := e.port.Write(cmd); err != nil {
		return nil, uploadmt.Errf(uploadmt.KindIoWrite, err, "write %q", cmd)
	}
	var out []byte
	for {
		b, err := fr.ReadExact(1, time.Second)
		if err != nil {
			return nil, uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "reading device codes")
		}
		if b[0] == 0 {
			return out, nil
		}
		out = append(out, b[0])
	}
}

// expectAck sends cmd and expects a bare RES_EMPTY ('\r') ack, treating '?'
// as RES_NOTSUPPORTED. fr must be non-nil; every caller passes the reader
// Bootload created after reconnecting.
func (e *Engine) expectAck(fr *serialport.FramedReader, cmd []byte) error {
	return e.expectAckTimeout(fr, cmd, time.Second)
}

func (e *Engine) expectAckTimeout(fr *serialport.FramedReader, cmd []byte, timeout time.Duration) error {
	if _, err := e.port.Write(cmd); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "write %q", cmd)
	}
	reply, err := fr.ReadExact(1, timeout)
	if err != nil {
		return uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "ack for %q", cmd)
	}
	switch reply[0] {
	case respEmpty:
		return nil
	case respNotSupported:
		return uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "command %q not supported", cmd)
	default:
		return uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "unexpected ack byte 0x%02x for %q", reply[0], cmd)
	}
}
