package avr109

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uploadmt "github.com/duinoapp/upload-multitool"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/serialport/serialporttest"
)

// fakeDevice emulates a LUFA-CDC AVR109 bootloader: block-mode flash
// program/read against a tracked address register, and the fixed-string
// identification replies every probe in initDevice expects.
type fakeDevice struct {
	sig       [3]byte
	flash     []byte
	addr      int
	blockSize int
}

func (d *fakeDevice) respond(written []byte) []byte {
	if len(written) == 0 {
		return nil
	}
	switch written[0] {
	case cmdSoftwareID:
		return []byte("LUFACDC")
	case cmdSoftwareVer:
		return []byte{'1', '0'}
	case cmdHardwareVer:
		return []byte{respNotSupported}
	case cmdProgrammerType:
		return []byte{'S'}
	case cmdAutoIncProbe:
		return []byte{'Y'}
	case cmdBlockModeProbe:
		return []byte{'Y', byte(d.blockSize >> 8), byte(d.blockSize)}
	case cmdDeviceCodes:
		return []byte{0x44, 0}
	case cmdSelectDevice:
		return []byte{respEmpty}
	case cmdEnterProg, cmdLeaveProg:
		return []byte{respEmpty}
	case cmdSetAddress:
		wordAddr := int(written[1])<<8 | int(written[2])
		d.addr = wordAddr * 2
		return []byte{respEmpty}
	case cmdBlockLoad:
		size := int(written[1])<<8 | int(written[2])
		page := written[4 : 4+size]
		if d.addr+size > len(d.flash) {
			d.flash = append(d.flash, make([]byte, d.addr+size-len(d.flash))...)
		}
		copy(d.flash[d.addr:d.addr+size], page)
		return []byte{respEmpty}
	case cmdBlockRead:
		size := int(written[1])<<8 | int(written[2])
		raw := make([]byte, size)
		copy(raw, d.flash[d.addr:d.addr+size])
		return deswapWords(raw) // device sends words high-byte-first
	default:
		return nil
	}
}

// mockReconnect mimics a host bridging the port-close/re-enumerate gap: it
// opens a fresh scripted port bound to the same device after a short delay,
// and records every call for assertion.
func mockReconnect(dev *fakeDevice, calls *[]uploadmt.ReconnectParams) uploadmt.ReconnectCallback {
	return func(ctx context.Context, params uploadmt.ReconnectParams) (serialport.SerialPort, error) {
		*calls = append(*calls, params)
		time.Sleep(400 * time.Millisecond)
		p := serialporttest.New(dev.respond)
		if err := p.Open(); err != nil {
			return nil, err
		}
		if params.BaudRate != 0 {
			_ = p.Update(params.BaudRate)
		}
		return p, nil
	}
}

func TestBootloadLeonardo(t *testing.T) {
	sig := [3]byte{0x1E, 0x95, 0x87}
	image := make([]byte, 256)
	for i := range image {
		image[i] = byte(i * 3)
	}
	dev := &fakeDevice{sig: sig, flash: make([]byte, len(image)), blockSize: 128}
	port := serialporttest.New(dev.respond)
	require.NoError(t, port.Open())

	var calls []uploadmt.ReconnectParams
	eng := New(port, logger.Nop, image, Options{
		Signature:    sig,
		Speed:        57600,
		OriginalBaud: 9600,
		Reconnect:    mockReconnect(dev, &calls),
	})

	gotPort, err := eng.Bootload()
	require.NoError(t, err)
	require.Equal(t, image, dev.flash)

	require.Len(t, calls, 2)
	assert.Equal(t, uint32(57600), calls[0].BaudRate)
	assert.Equal(t, uint32(9600), calls[1].BaudRate)

	final, ok := gotPort.(*serialporttest.Port)
	require.True(t, ok)
	assert.Equal(t, uint32(9600), final.BaudRate())
	assert.True(t, eng.blockMode)
	assert.Equal(t, 128, eng.bufferSize)
}

func TestBootloadNoReconnectCallback(t *testing.T) {
	dev := &fakeDevice{sig: [3]byte{1, 2, 3}, flash: make([]byte, 128), blockSize: 128}
	port := serialporttest.New(dev.respond)
	require.NoError(t, port.Open())

	eng := New(port, logger.Nop, make([]byte, 128), Options{Signature: dev.sig})
	_, err := eng.Bootload()
	require.Error(t, err)
}
