// Package stk500v2 implements the STK500 v2 bootloader protocol (spec
// §4.3): ATmega1280/2560-class targets, a length-prefixed,
// sequence-numbered, XOR-checksummed message framing distinct from the raw
// byte-sync framing of STK500 v1.
package stk500v2

import (
	"bytes"
	"time"

	uploadmt "github.com/duinoapp/upload-multitool"
	"github.com/duinoapp/upload-multitool/cpu"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
)

const (
	messageStart = 0x1B
	token        = 0x0E

	cmdSignOn             = 0x01
	cmdSpiMulti           = 0x1D
	cmdEnterProgmodeISP   = 0x10
	cmdLeaveProgmodeISP   = 0x11
	cmdLoadAddress        = 0x06
	cmdProgramFlashISP    = 0x13
	cmdReadFlashISP       = 0x14

	statusCmdOK          = 0x00
	answerCksumError     = 0xC1
)

// Options carries the per-CPU profile and timing this engine needs.
type Options struct {
	Signature [3]byte
	PageSize  int
	Timing    cpu.Timing
	// Timeout bounds each command round-trip; defaults to 200ms.
	Timeout time.Duration
	// Delay1/Delay2 bound the DTR/RTS reset toggle (spec §4.3 step 1);
	// default to 10ms/1ms.
	Delay1, Delay2 time.Duration
	// StrictPageTail resolves spec §9's first open question for v2 the same
	// way stk500v1.Options.StrictPageTail does: when false (the default,
	// matching the documented/source behavior) the final, non-full page's
	// trailing byte is clipped from the upload; when true the true tail
	// byte is kept.
	StrictPageTail bool
}

// Engine implements uploadmt.BootloadEngine for STK500 v2.
type Engine struct {
	port  serialport.SerialPort
	log   logger.Sink
	opt   Options
	image []byte
	seq   byte
}

// New constructs an Engine bound to port carrying image.
func New(port serialport.SerialPort, log logger.Sink, image []byte, opt Options) *Engine {
	if log == nil {
		log = logger.Nop
	}
	if opt.Timeout == 0 {
		opt.Timeout = 200 * time.Millisecond
	}
	if opt.Delay1 == 0 {
		opt.Delay1 = 10 * time.Millisecond
	}
	if opt.Delay2 == 0 {
		opt.Delay2 = time.Millisecond
	}
	return &Engine{port: port, log: log, opt: opt, image: image}
}

// Bootload uploads the image and verifies it, per spec §4.3.
func (e *Engine) Bootload() (serialport.SerialPort, error) {
	fr := serialport.NewFramedReader(e.port)
	defer fr.Close()

	if err := e.reset(); err != nil {
		return e.port, err
	}
	if err := e.signOn(fr, 5); err != nil {
		return e.port, err
	}
	if err := e.verifySignature(fr); err != nil {
		return e.port, err
	}
	if err := e.enterProgmode(fr); err != nil {
		e.tryLeave(fr)
		return e.port, err
	}

	pageSize := e.opt.PageSize
	image := e.image
	for addr := 0; addr < len(image); addr += pageSize {
		end := addr + pageSize
		if end > len(image) {
			if !e.opt.StrictPageTail && len(image) > pageSize {
				end = len(image) - 1 // mirrors stk500v1's page-tail clip (spec §9)
			} else {
				end = len(image)
			}
		}
		page := image[addr:end]
		if err := e.loadAddress(fr, addr); err != nil {
			e.tryLeave(fr)
			return e.port, err
		}
		if err := e.programPage(fr, page); err != nil {
			e.tryLeave(fr)
			return e.port, err
		}
		logger.Progress(e.log, int64(addr+len(page)), int64(len(image)), "stk500v2 write")
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

func (e *Engine) tryLeave(fr *serialport.FramedReader) { _ = e.leaveProgmode(fr) }

func (e *Engine) reset() error {
	lo, hi := false, true
	if err := e.port.Set(serialport.Signals{DTR: &hi, RTS: &hi}); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "raise DTR/RTS")
	}
	time.Sleep(e.opt.Delay1)
	if err := e.port.Set(serialport.Signals{DTR: &lo, RTS: &lo}); err != nil {
		return uploadmt.Errf(uploadmt.KindIoWrite, err, "drop DTR/RTS")
	}
	time.Sleep(e.opt.Delay2)
	return nil
}

// frame builds a complete STK500v2 message: START|SEQ|LEN|TOKEN|BODY|XOR.
func frame(seq byte, body []byte) []byte {
	msg := make([]byte, 0, 5+len(body)+1)
	msg = append(msg, messageStart, seq, byte(len(body)>>8), byte(len(body)), token)
	msg = append(msg, body...)
	var cksum byte
	for _, b := range msg {
		cksum ^= b
	}
	msg = append(msg, cksum)
	return msg
}

// sendRecv frames body with the current sequence number, sends it, and
// reads back a matching-sequence reply, validating the receiver state
// machine and trailing XOR checksum per spec §4.3.
func (e *Engine) sendRecv(fr *serialport.FramedReader, body []byte) ([]byte, error) {
	seq := e.seq
	msg := frame(seq, body)
	if _, err := e.port.Write(msg); err != nil {
		return nil, uploadmt.Errf(uploadmt.KindIoWrite, err, "write stk500v2 frame")
	}
	reply, err := e.receive(fr, seq)
	if err != nil {
		return nil, err
	}
	e.seq++
	return reply, nil
}

// receive implements the START -> SEQNUM -> SIZE1 -> SIZE2 -> TOKEN -> DATA
// -> CSUM state machine of spec §4.3, returning BODY on success.
func (e *Engine) receive(fr *serialport.FramedReader, wantSeq byte) ([]byte, error) {
	hdr, err := fr.ReadExact(5, e.opt.Timeout)
	if err != nil {
		return nil, uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "stk500v2 header")
	}
	if hdr[0] != messageStart {
		return nil, uploadmt.Errf(uploadmt.KindFramingOverflow, nil, "expected MESSAGE_START got 0x%02x", hdr[0])
	}
	if hdr[1] != wantSeq {
		return nil, uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "sequence mismatch: got %d want %d", hdr[1], wantSeq)
	}
	if hdr[4] != token {
		return nil, uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "expected TOKEN got 0x%02x", hdr[4])
	}
	length := int(hdr[2])<<8 | int(hdr[3])
	rest, err := fr.ReadExact(length+1, e.opt.Timeout)
	if err != nil {
		return nil, uploadmt.Errf(uploadmt.KindReceiveTimeout, err, "stk500v2 body")
	}
	body := rest[:length]
	csum := rest[length]

	running := byte(0)
	for _, b := range hdr {
		running ^= b
	}
	for _, b := range body {
		running ^= b
	}
	running ^= csum
	if running != 0 {
		return nil, uploadmt.Errf(uploadmt.KindPeerChecksumError, nil, "stk500v2 checksum mismatch")
	}
	if len(body) > 0 && body[0] == answerCksumError {
		return nil, uploadmt.Errf(uploadmt.KindPeerChecksumError, nil, "peer reported checksum error")
	}
	return body, nil
}

func (e *Engine) signOn(fr *serialport.FramedReader, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		reply, err := e.sendRecv(fr, []byte{cmdSignOn})
		if err != nil {
			lastErr = err
			continue
		}
		if len(reply) < 2 || reply[0] != cmdSignOn || reply[1] != statusCmdOK {
			lastErr = uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "malformed SIGN_ON reply")
			continue
		}
		return nil
	}
	return lastErr
}

func (e *Engine) verifySignature(fr *serialport.FramedReader) error {
	var got [3]byte
	for i := 0; i < 3; i++ {
		// CMD_SPI_MULTI read of signature byte at offset i (opcode 0x30).
		body := []byte{cmdSpiMulti, 4, 0, 0, 4, 0x30, 0, byte(i), 0}
		reply, err := e.sendRecv(fr, body)
		if err != nil {
			return err
		}
		if len(reply) < 2+4 || reply[0] != cmdSpiMulti || reply[1] != statusCmdOK {
			return uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "malformed SPI_MULTI reply")
		}
		got[i] = reply[len(reply)-2]
	}
	if got != e.opt.Signature {
		return uploadmt.Errf(uploadmt.KindSignatureMismatch, nil, "got % x want % x", got, e.opt.Signature)
	}
	return nil
}

func (e *Engine) enterProgmode(fr *serialport.FramedReader) error {
	t := e.opt.Timing
	body := []byte{cmdEnterProgmodeISP, 200, t.StabDelay, t.CmdexeDelay, t.SynchLoops, t.ByteDelay, t.PollValue, t.PollIndex, 0xAC, 0x53, 0x00, 0x00}
	return e.expectOK(fr, cmdEnterProgmodeISP, body)
}

func (e *Engine) leaveProgmode(fr *serialport.FramedReader) error {
	body := []byte{cmdLeaveProgmodeISP, 1, 1}
	return e.expectOK(fr, cmdLeaveProgmodeISP, body)
}

func (e *Engine) loadAddress(fr *serialport.FramedReader, byteAddr int) error {
	wordAddr := uint32(byteAddr>>1) | 0x80000000
	body := []byte{cmdLoadAddress, byte(wordAddr >> 24), byte(wordAddr >> 16), byte(wordAddr >> 8), byte(wordAddr)}
	return e.expectOK(fr, cmdLoadAddress, body)
}

func (e *Engine) programPage(fr *serialport.FramedReader, page []byte) error {
	body := make([]byte, 0, 10+len(page))
	body = append(body, cmdProgramFlashISP, byte(len(page)>>8), byte(len(page)), 0xC1, 0x0A, 0x40, 0x4C, 0x20, 0, 0)
	body = append(body, page...)
	return e.expectOK(fr, cmdProgramFlashISP, body)
}

func (e *Engine) readPage(fr *serialport.FramedReader, size int) ([]byte, error) {
	body := []byte{cmdReadFlashISP, byte(size >> 8), byte(size), 0x20}
	reply, err := e.sendRecv(fr, body)
	if err != nil {
		return nil, err
	}
	if len(reply) < 3 || reply[0] != cmdReadFlashISP || reply[1] != statusCmdOK {
		return nil, uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "malformed READ_FLASH_ISP reply")
	}
	if reply[len(reply)-1] != statusCmdOK {
		return nil, uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "missing trailing STATUS_CMD_OK")
	}
	return reply[2 : len(reply)-1], nil
}

func (e *Engine) expectOK(fr *serialport.FramedReader, cmd byte, body []byte) error {
	reply, err := e.sendRecv(fr, body)
	if err != nil {
		return err
	}
	if len(reply) < 2 || reply[0] != cmd || reply[1] != statusCmdOK {
		return uploadmt.Errf(uploadmt.KindProtocolMismatch, nil, "command 0x%02x failed: % x", cmd, reply)
	}
	return nil
}
