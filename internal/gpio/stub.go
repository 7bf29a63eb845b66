//go:build !linux

package gpio

// Line is unavailable off linux; OpenLine always fails with ErrUnsupported.
type Line struct{}

func OpenLine(chip string, pin int, activeLow bool) (*Line, error) {
	return nil, ErrUnsupported
}

func (*Line) Powered() (bool, error) { return false, ErrUnsupported }

func (*Line) Close() error { return nil }
