package uploadmt

import "github.com/duinoapp/upload-multitool/serialport"

// BootloadEngine is the single capability every protocol engine implements
// (spec §9's re-architecture guidance: one trait, not a class hierarchy).
// Construction (port, log, image, options) is engine-specific; Bootload
// drives the full protocol lifecycle and returns the port the caller should
// keep using afterward, since AVR109 may legitimately replace it.
type BootloadEngine interface {
	Bootload() (serialport.SerialPort, error)
}
