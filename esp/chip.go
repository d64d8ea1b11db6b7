package esp

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v2"
)

// ChipDescriptor is the spec §3 EspChipDescriptor: a static per-chip
// capability record. Register-reading capability methods take a reg
// function rather than holding a live session, matching spec §9's
// "data-driven struct with function fields" guidance over a class with
// static members.
type ChipDescriptor struct {
	Name             string           `yaml:"name"`
	DetectMagic      []uint32         `yaml:"detect_magic"`
	ImageChipID      int              `yaml:"image_chip_id"`
	SPIRegBase       uint32           `yaml:"spi_reg_base"`
	SPIUsrOffs       uint32           `yaml:"spi_usr_offs"`
	SPIUsr1Offs      uint32           `yaml:"spi_usr1_offs"`
	SPIUsr2Offs      uint32           `yaml:"spi_usr2_offs"`
	SPIW0Offs        uint32           `yaml:"spi_w0_offs"`
	SPIMosiDlenOffs  uint32           `yaml:"spi_mosi_dlen_offs"`
	SPIMisoDlenOffs  uint32           `yaml:"spi_miso_dlen_offs"`
	UARTClkdivReg    uint32           `yaml:"uart_clkdiv_reg"`
	UARTDateRegAddr  uint32           `yaml:"uart_date_reg_addr"`
	BootloaderOffset uint32           `yaml:"bootloader_flash_offset"`
	FlashWriteSize   uint32           `yaml:"flash_write_size"`
	SupportsEncrypt  bool             `yaml:"supports_encryption"`
	EfuseBase        uint32           `yaml:"efuse_base"`
	FlashSizes       map[string]byte  `yaml:"flash_sizes"`
}

//go:embed chip.yaml
var chipYAML []byte

var chipCatalog []ChipDescriptor

func init() {
	if err := yaml.Unmarshal(chipYAML, &chipCatalog); err != nil {
		panic(fmt.Sprintf("esp: embedded chip.yaml is invalid: %v", err))
	}
}

// IsKnownChip reports whether name matches a catalog descriptor, using the
// same normalization as the stub blob file-name rule (spec §6.5).
func IsKnownChip(name string) bool {
	_, ok := lookupByName(name)
	return ok
}

func lookupByName(name string) (ChipDescriptor, bool) {
	norm := normalizeChipName(name)
	for _, d := range chipCatalog {
		if normalizeChipName(d.Name) == norm {
			return d, true
		}
	}
	return ChipDescriptor{}, false
}

// lookupByMagic selects the descriptor whose CHIP_DETECT_MAGIC_VALUE
// matches magic, implementing spec §8 testable property 6.
func lookupByMagic(magic uint32) (ChipDescriptor, bool) {
	for _, d := range chipCatalog {
		for _, m := range d.DetectMagic {
			if m == magic {
				return d, true
			}
		}
	}
	return ChipDescriptor{}, false
}

// normalizeChipName applies spec §6.5's stub-blob normalization rule:
// lowercase, strip hyphens.
func normalizeChipName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '-' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// regReader reads a 32-bit register over the live session.
type regReader func(addr uint32) (uint32, error)

// GetChipFeatures decodes coarse capability flags; a faithful silicon-exact
// decode needs the real eFuse bit layout, out of scope here, so this
// reports the fixed feature set documented for each family.
func (d ChipDescriptor) GetChipFeatures() []string {
	switch normalizeChipName(d.Name) {
	case "esp8266":
		return []string{"WiFi"}
	case "esp32":
		return []string{"WiFi", "BT", "Dual Core", "VRef calibration in efuse"}
	case "esp32s2":
		return []string{"WiFi"}
	case "esp32c3":
		return []string{"WiFi", "BLE", "Single Core"}
	case "esp32s3":
		return []string{"WiFi", "BLE", "Dual Core"}
	default:
		return nil
	}
}

// GetChipDescription returns a human string; without a live eFuse revision
// read this reports the family name only.
func (d ChipDescriptor) GetChipDescription() string {
	return d.Name
}

// ReadMAC combines two eFuse words into a colon-hex MAC address, per spec
// §4.5's per-chip capability table.
func (d ChipDescriptor) ReadMAC(read regReader) (string, error) {
	mac0, err := read(d.EfuseBase + 0x04)
	if err != nil {
		return "", err
	}
	mac1, err := read(d.EfuseBase + 0x08)
	if err != nil {
		return "", err
	}
	b := []byte{
		byte(mac1 >> 8), byte(mac1),
		byte(mac0 >> 24), byte(mac0 >> 16), byte(mac0 >> 8), byte(mac0),
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}

// GetCrystalFreq estimates the crystal frequency as the current baud rate
// multiplied by the UART_CLKDIV_REG divider (halved on the ESP8266, whose
// UART clock runs at twice the crystal frequency), rounding to the nearest
// of 40 or 26 MHz (spec §4.5).
func (d ChipDescriptor) GetCrystalFreq(read regReader, baudRate uint32) (int, error) {
	reg, err := read(d.UARTClkdivReg)
	if err != nil {
		return 0, err
	}
	clkdiv := reg & 0xFFFFF
	rawFreq := float64(baudRate) * float64(clkdiv) / 1000000.0
	if normalizeChipName(d.Name) == "esp8266" {
		rawFreq /= 2
	}
	candidates := []int{40, 26}
	best := candidates[0]
	bestDelta := absFloat(rawFreq - float64(best))
	for _, c := range candidates[1:] {
		if d := absFloat(rawFreq - float64(c)); d < bestDelta {
			best, bestDelta = c, d
		}
	}
	return best, nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// GetEraseSize is the identity function in stub mode; ROM-mode chips that
// round up block erase sizes would override this, none of the catalog
// entries need it today.
func (d ChipDescriptor) GetEraseSize(size uint32) uint32 {
	return size
}
