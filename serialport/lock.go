package serialport

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock is a cross-process advisory lock on the OS device path backing a
// SerialPort, enforcing spec §5's "no two upload sessions may share a port
// simultaneously" rule beyond a single process. It is independent of the
// SerialPort interface itself so scripted test ports never need a real
// device path.
type Lock struct {
	fl *flock.Flock
}

// NewLock returns a Lock keyed on devicePath. The lock file is
// devicePath + ".lock" so it works even on platforms where the device node
// itself cannot be flock'd directly (e.g. some USB-CDC drivers).
func NewLock(devicePath string) *Lock {
	return &Lock{fl: flock.New(devicePath + ".lock")}
}

// TryAcquire attempts a non-blocking exclusive lock, returning false if
// another process already holds it.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock serial port: %w", err)
	}
	return ok, nil
}

// Release drops the lock, if held.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	return l.fl.Unlock()
}
