// Package gpio reads the mains-sense input of the heartbeat client: a GPIO
// line wired through an optocoupler that is active while mains power is
// present. Line is the Linux character-device implementation; FakeSense
// stands in for it in tests.
package gpio

import "errors"

// MainsSense reports whether mains power is present.
type MainsSense interface {
	Powered() (bool, error)
	Close() error
}

// ErrUnsupported is returned by OpenLine on platforms without the GPIO
// character device.
var ErrUnsupported = errors.New("gpio: mains sense requires linux")

// Defaults (BCM numbering).
const (
	DefaultChip = "gpiochip0"
	DefaultPin  = 26
)
