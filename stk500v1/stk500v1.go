// Package stk500v1 implements the classical Atmel STK500 v1 bootloader
// protocol (spec §4.2): ATmega328P/168/8-class targets, a raw byte stream
// with a single sync byte and a canned [IN_SYNC, ... OK] reply shape.
package stk500v1

import (
	"bytes"
	"time"

	uploadmt "github.com/duinoapp/upload-multitool"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
)

// Protocol command/reply bytes, per avrdude's stk500v1 constant table.
const (
	cmdGetSync       = 0x30
	cmdSetDevice     = 0x42
	cmdEnterProgmode = 0x50
	cmdLeaveProgmode = 0x51
	cmdLoadAddress   = 0x55
	cmdProgPage      = 0x64
	cmdReadPage      = 0x74
	cmdReadSign      = 0x75

	syncCRCEOP = 0x20
	respInSync = 0x14
	respOK     = 0x10

	memTypeFlash = 0x46 // 'F'
)

// Options carries the per-CPU profile and timing this engine needs; the
// dispatcher fills it in from the cpu.Profile catalog row.
type Options struct {
	Signature [3]byte
	PageSize  int
	// Timeout bounds each sync/command round-trip. Defaults to 400ms
	// (spec §4.2 step 2) when zero.
	Timeout time.Duration
	// StrictPageTail resolves spec §9's first open question: when false
	// (the default, matching the documented/source behavior) the final,
	// non-full page's trailing byte is clipped from the upload (and so
	// never verified); when true the true tail byte is kept.
	StrictPageTail bool
}

// Engine implements uploadmt.BootloadEngine for STK500 v1.
type Engine struct {
	port  serialport.SerialPort
	log   logger.Sink
	opt   Options
	image []byte
}

// New constructs an Engine bound to port carrying image. port is held by
// reference only for the duration of Bootload, per spec §9's
// port-replacement guidance (STK500v1 never replaces the port, but the
// engine still avoids caching anything beyond the interface value).
func New(port serialport.SerialPort, log logger.Sink, image []byte, opt Options) *Engine {
	if log == nil {
		log = logger.Nop
	}
	if opt.Timeout == 0 {
		opt.Timeout = 400 * time.Millisecond
	}
	return &Engine{port: port, log: log, opt: opt, image: image}
}

// Bootload uploads the image and verifies it, per spec §4.2, returning the
// port (STK500v1 never replaces it).
func (e *Engine) Bootload() (serialport.SerialPort, error) {
	image := e.image
	fr := serialport.NewFramedReader(e.port)
	defer fr.Close()

	if err := e.reset(); err != nil {
		return e.port, err
	}
	fr.Drain(50 * time.Millisecond)

	if err := e.syncRounds(fr, 3); err != nil {
		return e.port, err
	}
	if err := e.verifySignature(fr); err != nil {
		return e.port, err
	}
	if err := e.setDevice(fr); err != nil {
		return e.port, err
	}
	if err := e.enterProgmode(fr); err != nil {
		e.tryLeave(fr)
		return e.port, err
	}

	pageSize := e.opt.PageSize
	for addr := 0; addr < len(image); addr += pageSize {
		end := addr + pageSize
		if end > len(image) {
			if !e.opt.StrictPageTail && len(image) > pageSize {
				end = len(image) - 1 // mirrors source's page-tail clip (spec §9)
			} else {
				end = len(image)
			}
		}
		page := image[addr:end]
		if err := e.loadAddress(fr, addr); err != nil {
			e.tryLeave(fr)
			return e.port, err
		}
		if err := e.progPage(fr, page); err != nil {
			e.tryLeave(fr)
			return e.port, err
		}
		logger.Progress(e.log, int64(addr+len(page)), int64(len(image)), "stk500v1 write")
		time.Sleep(4 * time.Millisecond)
	}

	for addr := 0; addr < len(image); addr += pageSize {
		end := addr + pageSize
		if end > len(image) {
			if !e.opt.StrictPageTail && len(image) > pageSize {
				end = len(image) - 1
			} else {
				end = len(image)
			}
		}
		page := image[addr:end]
		if err := e.loadAddress(fr, addr); err != nil {
			e.tryLeave(fr)
			return e.port, err
		}
		readBack, err := e.readPage(fr, len(page))
		if err != nil {
			e.tryLeave(fr)
			return e.port, err
		}
		if !bytes.Equal(readBack, page) {
			e.tryLeave(fr)
			return e.port, uploadmt.Errf(uploadmt.KindVerifyFailed, nil, "page at 0x%04x mismatched on verify", addr)
		}
	}

	return e.port, e.leaveProgmode(fr)
}

func (e *Engine) tryLeave(fr *serialport.FramedReader) {
	_ = e.leaveProgmode(fr)
}

func (e *Engine) reset() error {
	lo, hi := false, true
	if err := e.port.Set(serialport.Signals{DTR: &lo, RTS: &lo}); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "drop DTR/RTS")
	}
	time.Sleep(250 * time.Millisecond)
	if err := e.port.Set(serialport.Signals{DTR: &hi, RTS: &hi}); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "raise DTR/RTS")
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

// syncRounds performs `rounds` successive sync rounds (spec §4.2 step 2:
// "three successive sync rounds before proceeding, mirrors avrdude's
// belt-and-braces"), each making up to 3 attempts; an attempt is repeated
// on a receive timeout or on a reply other than [IN_SYNC, OK].
func (e *Engine) syncRounds(fr *serialport.FramedReader, rounds int) error {
	for i := 0; i < rounds; i++ {
		if err := e.syncOnce(fr, 3); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncOnce(fr *serialport.FramedReader, attemptsLeft int) error {
	if attemptsLeft <= 0 {
		return uploadmt.Errf(uploadmt.KindReceiveTimeout, nil, "stk500v1 sync: no reply")
	}
	if _, err := e.port.Write([]byte{cmdGetSync, syncCRCEOP}); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "send GET_SYNC")
	}
	reply, err := fr.ReadExact(2, e.opt.Timeout)
	if err != nil {
		return e.syncOnce(fr, attemptsLeft-1)
	}
	if reply[0] != respInSync || reply[1] != respOK {
		return e.syncOnce(fr, attemptsLeft-1)
	}
	return nil
}

func (e *Engine) verifySignature(fr *serialport.FramedReader) error {
	if _, err := e.port.Write([]byte{cmdReadSign, syncCRCEOP}); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "send READ_SIGN")
	}
	reply, err := fr.ReadExact(5, e.opt.Timeout)
	if err != nil {
		return uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "reading signature")
	}
	if reply[0] != respInSync || reply[4] != respOK {
		return uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "malformed READ_SIGN reply % x", reply)
	}
	got := [3]byte{reply[1], reply[2], reply[3]}
	if got != e.opt.Signature {
		return uploadmt.Errf(uploadmt.KindSignatureMismatch, nil, "got % x want % x", got, e.opt.Signature)
	}
	return nil
}

func (e *Engine) setDevice(fr *serialport.FramedReader) error {
	body := make([]byte, 20)
	body[0] = cmdSetDevice
	body[2] = byte(e.opt.PageSize >> 8)
	body[3] = byte(e.opt.PageSize)
	body[len(body)-1] = syncCRCEOP
	return e.simpleCommand(fr, body)
}

func (e *Engine) enterProgmode(fr *serialport.FramedReader) error {
	return e.simpleCommand(fr, []byte{cmdEnterProgmode, syncCRCEOP})
}

func (e *Engine) leaveProgmode(fr *serialport.FramedReader) error {
	return e.simpleCommand(fr, []byte{cmdLeaveProgmode, syncCRCEOP})
}

func (e *Engine) loadAddress(fr *serialport.FramedReader, byteAddr int) error {
	wordAddr := byteAddr >> 1
	return e.simpleCommand(fr, []byte{cmdLoadAddress, byte(wordAddr), byte(wordAddr >> 8), syncCRCEOP})
}

func (e *Engine) progPage(fr *serialport.FramedReader, page []byte) error {
	body := make([]byte, 0, 4+len(page)+1)
	body = append(body, cmdProgPage, byte(len(page)>>8), byte(len(page)), memTypeFlash)
	body = append(body, page...)
	body = append(body, syncCRCEOP)
	return e.simpleCommand(fr, body)
}

func (e *Engine) readPage(fr *serialport.FramedReader, size int) ([]byte, error) {
	if _, err := e.port.Write([]byte{cmdReadPage, byte(size >> 8), byte(size), memTypeFlash, syncCRCEOP}); err != nil {
		return nil, uploadmt.Errf(uploadmt.KindIoWrite, err, "send READ_PAGE")
	}
	reply, err := fr.ReadExact(size+2, e.opt.Timeout)
	if err != nil {
		return nil, uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "reading page")
	}
	if reply[0] != respInSync || reply[len(reply)-1] != respOK {
		return nil, uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "malformed READ_PAGE reply")
	}
	return reply[1 : len(reply)-1], nil
}

// simpleCommand writes body and expects a bare [IN_SYNC, OK] reply.
func (e *Engine) simpleCommand(fr *serialport.FramedReader, body []byte) error {
	if _, err := e.port.Write(body); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "write command 0x%02x", body[0])
	}
	reply, err := fr.ReadExact(2, e.opt.Timeout)
	if err != nil {
		return uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "command 0x%02x", body[0])
	}
	if reply[0] != respInSync || reply[1] != respOK {
		return uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "command 0x%02x: got % x", body[0], reply)
	}
	return nil
}
