// Package uploadmt is the dispatcher and shared surface of spec §4.1: it
// selects a BootloadEngine from a tool+CPU descriptor, picks the image bytes
// or segments each engine consumes, and coordinates the baud-rate
// transitions and reconnect handshake every engine needs. Upload takes the
// firmware image already decoded; it does not parse Intel-HEX itself
// (hexfile.Parse does that).
package uploadmt

import (
	"context"
	"os"
	"time"

	"github.com/duinoapp/upload-multitool/avr109"
	"github.com/duinoapp/upload-multitool/cpu"
	"github.com/duinoapp/upload-multitool/esp"
	"github.com/duinoapp/upload-multitool/esp/stubcache"
	"github.com/duinoapp/upload-multitool/hexfile"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/stk500v1"
	"github.com/duinoapp/upload-multitool/stk500v2"
)

// Tool identifies which family of engines a request routes through.
type Tool string

const (
	ToolAVR       Tool = "avr"
	ToolAVRDude   Tool = "avrdude"
	ToolEsptool   Tool = "esptool"
	ToolEsptoolPy Tool = "esptool_py"
)

// ReconnectParams is passed to a caller-supplied ReconnectCallback when an
// engine needs a (possibly new) port object, per spec §6.1.
type ReconnectParams struct {
	BaudRate uint32
}

// ReconnectCallback obtains a SerialPort at the requested baud rate,
// crossing whatever async boundary the host environment requires (spec
// §9: "user-supplied future that may take tens of seconds"). Only AVR109
// uses it today.
type ReconnectCallback func(ctx context.Context, params ReconnectParams) (serialport.SerialPort, error)

// FirmwareImage is the spec §3 FirmwareImage entity: either a contiguous
// AVR-style byte image or a list of pre-addressed binary segments for ESP.
type FirmwareImage struct {
	Bytes    []byte
	Segments []hexfile.Segment
}

// UploadRequest is the immutable configuration of spec §3 UploadRequest.
type UploadRequest struct {
	Image FirmwareImage

	Tool Tool
	Cpu  string

	// BootloaderBaud is the rate the port is switched to before engine
	// dispatch; UploadBaud (AVR109/ESP "speed") is the rate used once the
	// target bootloader is running. Zero leaves the port's current baud
	// untouched.
	BootloaderBaud uint32
	UploadBaud     uint32

	// StrictPageTail resolves spec §9's first open question for the
	// STK500 v1/v2 page-slicing ambiguity: false (the default, matching
	// the documented/source behavior) clips the final non-full page's
	// trailing byte from both write and verify; true keeps the true tail
	// byte. Unused by AVR109 and ESP, which page on exact boundaries.
	StrictPageTail bool

	// ESP-only flash parameters; zero values take esp package defaults.
	FlashMode string
	FlashFreq string
	FlashSize string
	Compress  bool
	EraseAll  bool
	StrictMD5 bool

	// StubFetcher supplies the ESP RAM stub blobs; nil keeps the session in
	// ROM mode for its whole duration (spec §1: HTTP fetch is an
	// out-of-scope collaborator). Each Upload call wraps it in a new
	// stubcache.Cache, so blobs are not kept between Upload calls.
	StubFetcher stubcache.StubFetcher

	Verbose   bool
	Log       logger.Sink
	Reconnect ReconnectCallback

	// OpenTimeout bounds the initial port-open wait; defaults to 1s.
	OpenTimeout time.Duration
}

// UploadResult is the spec §3 UploadResult entity.
type UploadResult struct {
	Port      serialport.SerialPort
	ElapsedMs int64
}

// IsSupported implements spec §4.1's capability test: the same tool/cpu
// routing Upload performs, without touching a port.
func IsSupported(tool Tool, cpuID string) bool {
	switch tool {
	case ToolAVR, ToolAVRDude:
		profile, ok := cpu.Lookup(cpuID)
		if !ok {
			return false
		}
		switch profile.Protocol {
		case cpu.ProtocolSTK500v1, cpu.ProtocolSTK500v2, cpu.ProtocolAVR109:
			return true
		default:
			return false
		}
	case ToolEsptool, ToolEsptoolPy:
		return esp.IsKnownChip(cpuID)
	default:
		return false
	}
}

// Upload implements spec §4.1: opens port if needed, selects and drives the
// engine, and restores the original baud rate before returning.
func Upload(port serialport.SerialPort, req UploadRequest) (UploadResult, error) {
	start := time.Now()
	log := req.Log
	if log == nil {
		// No caller-supplied sink: fall back to stderr when Verbose asked
		// for progress output, Nop otherwise.
		log = logger.New(os.Stderr, req.Verbose)
	}
	if !req.Verbose {
		log = logger.Nop
	}

	switch req.Tool {
	case ToolAVR, ToolAVRDude:
		if _, ok := cpu.Lookup(req.Cpu); !ok {
			return UploadResult{}, Errf(KindUnknownCpu, nil, "unknown cpu %q", req.Cpu)
		}
	case ToolEsptool, ToolEsptoolPy:
		if !esp.IsKnownChip(req.Cpu) {
			return UploadResult{}, Errf(KindUnknownCpu, nil, "unknown cpu %q", req.Cpu)
		}
	default:
		return UploadResult{}, Errf(KindUnsupportedTool, nil, "unknown tool %q", req.Tool)
	}

	if len(req.Image.Bytes) == 0 && len(req.Image.Segments) == 0 {
		return UploadResult{}, Errf(KindMissingImage, nil, "request carries neither bytes nor segments")
	}

	if pp, ok := port.(serialport.PortPath); ok {
		lock := serialport.NewLock(pp.DevicePath())
		acquired, err := lock.TryAcquire()
		if err != nil {
			return UploadResult{}, Errf(KindIoOpen, err, "acquiring port lock")
		}
		if !acquired {
			return UploadResult{}, Errf(KindIoOpen, nil, "port %s is in use by another upload session", pp.DevicePath())
		}
		defer lock.Release()
	}

	openTimeout := req.OpenTimeout
	if openTimeout == 0 {
		openTimeout = time.Second
	}
	if !port.IsOpen() {
		if err := port.Open(); err != nil {
			return UploadResult{}, Errf(KindIoOpen, err, "opening port")
		}
		if err := serialport.WaitOpen(port, openTimeout); err != nil {
			return UploadResult{}, Errf(KindIoOpen, err, "waiting for open event")
		}
	}
	originalBaud := port.BaudRate()

	if req.BootloaderBaud != 0 && req.BootloaderBaud != port.BaudRate() {
		if err := port.Update(req.BootloaderBaud); err != nil {
			return UploadResult{}, Errf(KindIoWrite, err, "switching to bootloader baud")
		}
	}

	switch req.Tool {
	case ToolAVR, ToolAVRDude:
		finalPort, err := uploadAVR(port, log, req, originalBaud)
		return finish(finalPort, originalBaud, start, err)
	case ToolEsptool, ToolEsptoolPy:
		finalPort, err := uploadESP(port, log, req)
		return finish(finalPort, originalBaud, start, err)
	default:
		return UploadResult{}, Errf(KindUnsupportedTool, nil, "unknown tool %q", req.Tool)
	}
}

func finish(port serialport.SerialPort, originalBaud uint32, start time.Time, engineErr error) (UploadResult, error) {
	if port != nil && originalBaud != 0 && port.BaudRate() != originalBaud {
		_ = port.Update(originalBaud)
	}
	elapsed := elapsedMs(start)
	if engineErr != nil {
		return UploadResult{Port: port, ElapsedMs: elapsed}, engineErr
	}
	return UploadResult{Port: port, ElapsedMs: elapsed}, nil
}

func uploadAVR(port serialport.SerialPort, log logger.Sink, req UploadRequest, originalBaud uint32) (serialport.SerialPort, error) {
	profile, _ := cpu.Lookup(req.Cpu)

	image := req.Image.Bytes
	if len(image) == 0 && len(req.Image.Segments) > 0 {
		image = req.Image.Segments[0].Bytes
	}

	var sig [3]byte
	copy(sig[:], profile.Signature)

	switch profile.Protocol {
	case cpu.ProtocolSTK500v1:
		eng := stk500v1.New(port, log, image, stk500v1.Options{
			Signature:      sig,
			PageSize:       profile.PageSize,
			StrictPageTail: req.StrictPageTail,
		})
		return eng.Bootload()
	case cpu.ProtocolSTK500v2:
		eng := stk500v2.New(port, log, image, stk500v2.Options{
			Signature:      sig,
			PageSize:       profile.PageSize,
			Timing:         profile.Timing,
			StrictPageTail: req.StrictPageTail,
		})
		return eng.Bootload()
	case cpu.ProtocolAVR109:
		opt := avr109.Options{
			Signature:    sig,
			PageSize:     profile.PageSize,
			Speed:        req.UploadBaud,
			OriginalBaud: originalBaud,
			Reconnect:    req.Reconnect,
		}
		eng := avr109.New(port, log, image, opt)
		return eng.Bootload()
	default:
		return port, Errf(KindUnsupportedProto, nil, "unsupported protocol %q for cpu %q", profile.Protocol, req.Cpu)
	}
}

func uploadESP(port serialport.SerialPort, log logger.Sink, req UploadRequest) (serialport.SerialPort, error) {
	opt := esp.Options{
		ChipHint:   req.Cpu,
		UploadBaud: req.UploadBaud,
		FlashMode:  req.FlashMode,
		FlashFreq:  req.FlashFreq,
		FlashSize:  req.FlashSize,
		Compress:   req.Compress,
		EraseAll:   req.EraseAll,
		StrictMD5:  req.StrictMD5,
	}
	if req.StubFetcher != nil {
		opt.StubCache = stubcache.New(req.StubFetcher, func(line string) { log(line) })
	}
	eng := esp.New(port, log, req.Image.Segments, opt)
	return eng.Bootload()
}

func elapsedMs(start time.Time) int64 {
	return int64(time.Since(start) / time.Millisecond)
}
