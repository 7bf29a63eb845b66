//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// Line is a mains-sense input requested from a gpiochip.
type Line struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
	pin  int
}

// OpenLine requests pin on chip as a pulled-down input. With activeLow a low
// level means power present, which is how most optocoupler boards are wired.
func OpenLine(chip string, pin int, activeLow bool) (*Line, error) {
	c, err := gpiocdev.NewChip(chip, gpiocdev.WithConsumer("power-heartbeat"))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullDown}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	l, err := c.RequestLine(pin, opts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request mains sense pin %d: %w", pin, err)
	}
	return &Line{chip: c, line: l, pin: pin}, nil
}

// Powered reports whether the line is logically active.
func (l *Line) Powered() (bool, error) {
	v, err := l.line.Value()
	if err != nil {
		return false, fmt.Errorf("read mains sense pin %d: %w", l.pin, err)
	}
	return v == 1, nil
}

// Close releases the line and the chip. The line is left as a pulled-down
// input, the Pi boot default.
func (l *Line) Close() error {
	var errs []error
	if l.line != nil {
		if err := l.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", l.pin, err))
		}
		if err := l.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release pin %d: %w", l.pin, err))
		}
	}
	if l.chip != nil {
		if err := l.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}
