package uploadmt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/serialport/serialporttest"
)

// pathPort adds a fixed DevicePath to a scripted port so Upload's
// cross-process Lock wiring (serialport.PortPath) can be exercised without
// a real OS device node.
type pathPort struct {
	*serialporttest.Port
	path string
}

func (p *pathPort) DevicePath() string { return p.path }

func TestIsSupportedIsIdempotent(t *testing.T) {
	cases := []struct {
		tool Tool
		cpu  string
	}{
		{ToolAVR, "atmega328p"},
		{ToolAVR, "atmega420"},
		{ToolEsptool, "esp32"},
		{ToolEsptoolPy, "not-a-chip"},
		{Tool("bogus"), "atmega328p"},
	}
	for _, c := range cases {
		first := IsSupported(c.tool, c.cpu)
		second := IsSupported(c.tool, c.cpu)
		assert.Equal(t, first, second, "IsSupported(%q, %q) not idempotent", c.tool, c.cpu)
	}
	assert.True(t, IsSupported(ToolAVR, "atmega328p"))
	assert.False(t, IsSupported(ToolAVR, "atmega420"))
	assert.True(t, IsSupported(ToolEsptool, "esp32"))
	assert.False(t, IsSupported(ToolEsptoolPy, "not-a-chip"))
}

func TestUploadUnknownCpuNeverTouchesPort(t *testing.T) {
	port := serialporttest.New(nil)

	_, err := Upload(port, UploadRequest{
		Image: FirmwareImage{Bytes: make([]byte, 128)},
		Tool:  ToolAVR,
		Cpu:   "atmega420",
	})
	require.Error(t, err)

	uerr, ok := err.(*UploadError)
	require.True(t, ok)
	assert.Equal(t, KindUnknownCpu, uerr.Kind)
	assert.False(t, port.IsOpen(), "port must not be opened before the cpu is validated")
	assert.Empty(t, port.Written)
}

func TestUploadRejectsPortAlreadyLocked(t *testing.T) {
	devicePath := filepath.Join(t.TempDir(), "ttyUSB0")

	held := serialport.NewLock(devicePath)
	ok, err := held.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release()

	port := &pathPort{Port: serialporttest.New(nil), path: devicePath}
	_, err = Upload(port, UploadRequest{
		Image: FirmwareImage{Bytes: make([]byte, 128)},
		Tool:  ToolAVR,
		Cpu:   "atmega328p",
	})
	require.Error(t, err)
	uerr, ok := err.(*UploadError)
	require.True(t, ok)
	assert.Equal(t, KindIoOpen, uerr.Kind)
	assert.False(t, port.IsOpen(), "port must not be opened when another session holds the lock")
}

// fakeSTK500v1 emulates an STK500v1 target directly in wire bytes, since the
// protocol's command constants are private to the stk500v1 package.
type fakeSTK500v1 struct {
	sig   [3]byte
	flash []byte
	addr  int
}

const (
	wireGetSync       = 0x30
	wireSetDevice     = 0x42
	wireEnterProgmode = 0x50
	wireLeaveProgmode = 0x51
	wireLoadAddress   = 0x55
	wireProgPage      = 0x64
	wireReadPage      = 0x74
	wireReadSign      = 0x75
	wireInSync        = 0x14
	wireOK            = 0x10
)

func (d *fakeSTK500v1) respond(written []byte) []byte {
	if len(written) == 0 {
		return nil
	}
	switch written[0] {
	case wireGetSync, wireSetDevice, wireEnterProgmode, wireLeaveProgmode:
		return []byte{wireInSync, wireOK}
	case wireReadSign:
		return []byte{wireInSync, d.sig[0], d.sig[1], d.sig[2], wireOK}
	case wireLoadAddress:
		wordAddr := int(written[1]) | int(written[2])<<8
		d.addr = wordAddr * 2
		return []byte{wireInSync, wireOK}
	case wireProgPage:
		size := int(written[1])<<8 | int(written[2])
		page := written[4 : 4+size]
		if d.addr+size > len(d.flash) {
			d.flash = append(d.flash, make([]byte, d.addr+size-len(d.flash))...)
		}
		copy(d.flash[d.addr:d.addr+size], page)
		return []byte{wireInSync, wireOK}
	case wireReadPage:
		size := int(written[1])<<8 | int(written[2])
		out := make([]byte, 0, size+2)
		out = append(out, wireInSync)
		out = append(out, d.flash[d.addr:d.addr+size]...)
		out = append(out, wireOK)
		return out
	default:
		return nil
	}
}

func TestUploadRestoresOriginalBaudThroughDispatcher(t *testing.T) {
	sig := [3]byte{0x1E, 0x95, 0x0F} // atmega328p, per the cpu catalog
	image := make([]byte, 128)
	for i := range image {
		image[i] = byte(i)
	}
	dev := &fakeSTK500v1{sig: sig, flash: make([]byte, len(image))}
	port := serialporttest.New(dev.respond)
	require.NoError(t, port.Update(115200))

	result, err := Upload(port, UploadRequest{
		Image:          FirmwareImage{Bytes: image},
		Tool:           ToolAVR,
		Cpu:            "atmega328p",
		BootloaderBaud: 1200,
		Log:            logger.Nop,
	})
	require.NoError(t, err)
	assert.Equal(t, image, dev.flash)
	assert.Equal(t, uint32(115200), port.BaudRate())
	assert.GreaterOrEqual(t, result.ElapsedMs, int64(0))
}
