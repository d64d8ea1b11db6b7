package esp

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duinoapp/upload-multitool/esp/stubcache"
	"github.com/duinoapp/upload-multitool/hexfile"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport/serialporttest"
)

func TestSlipRoundTrip(t *testing.T) {
	f := func(xs []byte) bool {
		return string(slipDecode(slipEncode(xs))) == string(xs)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestLookupByMagicIsDeterministic(t *testing.T) {
	d1, ok1 := lookupByMagic(0x00f01d83)
	d2, ok2 := lookupByMagic(0x00f01d83)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, d1, d2)
	assert.Equal(t, "ESP32", d1.Name)

	_, ok := lookupByMagic(0xdeadbeef)
	assert.False(t, ok)
}

// buildReply frames an ESP reply packet: 0x01 | OP | LEN_LE | VALUE_LE | BODY.
func buildReply(op byte, value uint32, body []byte) []byte {
	pkt := make([]byte, 8+len(body))
	pkt[0] = 0x01
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	copy(pkt[8:], body)
	return slipEncode(pkt)
}

// fakeESPDevice emulates an ESP ROM/stub loader: it answers SYNC and
// READ_REG(0x40001000) for connect, optionally the RAM stub handshake, and
// flash_begin/flash_data/flash_end/spi_flash_md5 for write_flash.
type fakeESPDevice struct {
	magic     uint32
	stubReady bool // whether MEM_END should also emit the OHAI sentinel
	md5Reply  [16]byte
}

func (d *fakeESPDevice) respond(written []byte) []byte {
	raw := slipDecode(written)
	if len(raw) < 8 || raw[0] != 0x00 {
		return nil
	}
	op := raw[1]
	length := int(binary.LittleEndian.Uint16(raw[2:4]))
	var data []byte
	if len(raw) >= 8+length {
		data = raw[8 : 8+length]
	}

	switch op {
	case opSync:
		return buildReply(opSync, 0, nil)
	case opReadReg:
		addr := binary.LittleEndian.Uint32(data)
		if addr == 0x40001000 {
			return buildReply(opReadReg, d.magic, nil)
		}
		return buildReply(opReadReg, 0, nil)
	case opMemBegin:
		return buildReply(opMemBegin, 0, []byte{0, 0})
	case opMemData:
		return buildReply(opMemData, 0, []byte{0, 0})
	case opMemEnd:
		ack := buildReply(opMemEnd, 0, []byte{0, 0})
		if d.stubReady {
			return append(ack, []byte("OHAI")...)
		}
		return ack
	case opChangeBaudrate:
		return buildReply(opChangeBaudrate, 0, []byte{0, 0})
	case opFlashBegin, opFlashDeflBegin:
		return buildReply(op, 0, []byte{0, 0})
	case opFlashData, opFlashDeflData:
		return buildReply(op, 0, []byte{0, 0})
	case opFlashEnd, opFlashDeflEnd:
		return buildReply(op, 0, []byte{0, 0})
	case opSpiFlashMD5:
		return buildReply(opSpiFlashMD5, 0, d.md5Reply[:])
	case opEraseFlash:
		return buildReply(opEraseFlash, 0, []byte{0, 0})
	default:
		return nil
	}
}

type fakeStubFetcher struct {
	blob StubBlobJSON
}

// StubBlobJSON mirrors stubcache's private wire shape so the test can build
// a fetch response without reaching into that package's internals.
type StubBlobJSON struct {
	Text      string `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      string `json:"data"`
	DataStart uint32 `json:"data_start"`
	Entry     uint32 `json:"entry"`
}

func (f *fakeStubFetcher) Fetch(fileName string) ([]byte, error) {
	return json.Marshal(f.blob)
}

func TestBootloadESP32DevKitStubAndCompressedWrite(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	sum := md5.Sum(payload)

	dev := &fakeESPDevice{magic: 0x00f01d83, stubReady: true, md5Reply: sum}
	port := serialporttest.New(dev.respond)
	require.NoError(t, port.Open())

	fetcher := &fakeStubFetcher{blob: StubBlobJSON{
		Text:      base64.StdEncoding.EncodeToString([]byte{0xDE, 0xAD, 0xBE, 0xEF}),
		TextStart: 0x40080000,
		Data:      base64.StdEncoding.EncodeToString([]byte{0xCA, 0xFE}),
		DataStart: 0x3FFE8000,
		Entry:     0x40080004,
	}}
	cache := stubcache.New(fetcher, nil)

	segments := []hexfile.Segment{{Address: 0x10000, Bytes: payload}}
	eng := New(port, logger.Nop, segments, Options{
		UploadBaud: 921600,
		Compress:   true,
		StubCache:  cache,
	})

	gotPort, err := eng.Bootload()
	require.NoError(t, err)
	assert.Same(t, port, gotPort)

	assert.True(t, eng.isStub)
	assert.Equal(t, uint32(0x4000), eng.flashWrite)
	assert.Equal(t, "ESP32", eng.chip.Name)
	assert.Equal(t, uint32(921600), port.BaudRate())

	sig := port.Signals()
	require.NotNil(t, sig.DTR)
	require.NotNil(t, sig.RTS)
	assert.False(t, *sig.DTR)
	assert.False(t, *sig.RTS)
}

func TestBootloadESP8266RomModeSkipsMD5(t *testing.T) {
	dev := &fakeESPDevice{magic: 0xfff0c101}
	port := serialporttest.New(dev.respond)
	require.NoError(t, port.Open())

	segments := []hexfile.Segment{{Address: 0x0, Bytes: []byte{1, 2, 3, 4}}}
	eng := New(port, logger.Nop, segments, Options{})

	gotPort, err := eng.Bootload()
	require.NoError(t, err)
	assert.Same(t, port, gotPort)
	assert.False(t, eng.isStub)
	assert.Equal(t, "ESP8266", eng.chip.Name)
}

func TestHeaderOverriddenRequiresNonKeepField(t *testing.T) {
	cases := []struct {
		name string
		opt  Options
		want bool
	}{
		{"all keep", Options{}, false},
		{"mode set", Options{FlashMode: "dio"}, true},
		{"freq set", Options{FlashFreq: "80m"}, true},
		{"size set", Options{FlashSize: "4MB"}, true},
		{"explicit keep strings", Options{FlashMode: "keep", FlashFreq: "keep", FlashSize: "keep"}, false},
	}
	for _, c := range cases {
		e := &Engine{opt: c.opt}
		assert.Equal(t, c.want, e.headerOverridden(), c.name)
	}
}

func TestRewriteHeaderLeavesUnsetFieldsAlone(t *testing.T) {
	chip, ok := lookupByMagic(0x00f01d83)
	require.True(t, ok)

	img := []byte{0xE9, 0x03, 0x02, 0x1f}
	e := &Engine{chip: chip, opt: Options{FlashMode: "dio"}}
	out := e.rewriteHeader(img)

	assert.Equal(t, byte(0xE9), out[0])
	assert.Equal(t, byte(0x02), out[2], "flash mode byte should be rewritten")
	assert.Equal(t, img[3], out[3], "freq/size byte must be untouched when both are left at keep")
}

func TestRewriteHeaderAppliesFreqAndSize(t *testing.T) {
	chip, ok := lookupByMagic(0x00f01d83)
	require.True(t, ok)

	img := []byte{0xE9, 0x03, 0x02, 0x1f}
	e := &Engine{chip: chip, opt: Options{FlashFreq: "80m", FlashSize: "4MB"}}
	out := e.rewriteHeader(img)

	assert.Equal(t, byte(0xf), out[3]&0x0f, "freq nibble should match 80m")
	assert.Equal(t, byte(0x20), out[3]&0xf0, "size nibble should match 4MB")
}

func TestWriteFlashSegmentSkipsHeaderRewriteByDefault(t *testing.T) {
	bootloader := []byte{0xE9, 0x03, 0x02, 0x1f, 0xAA, 0xBB, 0xCC, 0xDD}
	sum := md5.Sum(bootloader)

	dev := &fakeESPDevice{magic: 0x00f01d83, md5Reply: sum}
	port := serialporttest.New(dev.respond)
	require.NoError(t, port.Open())

	segments := []hexfile.Segment{{Address: 0x1000, Bytes: bootloader}}
	eng := New(port, logger.Nop, segments, Options{StrictMD5: true})

	_, err := eng.Bootload()
	require.NoError(t, err, "MD5 of the untouched bootloader header must still match the device's reply")
}

func TestBootloadUnrecognizedMagic(t *testing.T) {
	dev := &fakeESPDevice{magic: 0xdeadbeef}
	port := serialporttest.New(dev.respond)
	require.NoError(t, port.Open())

	eng := New(port, logger.Nop, nil, Options{Attempts: 1})
	_, err := eng.Bootload()
	require.Error(t, err)
}
