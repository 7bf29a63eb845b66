package gpio

import (
	"errors"
	"sync"
)

// ErrNoScript is returned by a FakeSense that has nothing to report.
var ErrNoScript = errors.New("gpio: fake sense has no script")

// FakeSense is a MainsSense driven by a script of readings. Each Powered call
// consumes one reading; the last one sticks. Set replaces the script with a
// single steady reading, for tests that flip mains power mid-run.
type FakeSense struct {
	mu     sync.Mutex
	script []bool
	pos    int
	polls  int
	err    error
	closed bool
}

// NewFakeSense returns a FakeSense that reports readings in order.
func NewFakeSense(readings ...bool) *FakeSense {
	return &FakeSense{script: readings}
}

// Outage scripts up readings with power, then down without, then steady power.
func Outage(up, down int) *FakeSense {
	var r []bool
	for i := 0; i < up; i++ {
		r = append(r, true)
	}
	for i := 0; i < down; i++ {
		r = append(r, false)
	}
	return NewFakeSense(append(r, true)...)
}

func (f *FakeSense) Powered() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.err != nil {
		return false, f.err
	}
	if len(f.script) == 0 {
		return false, ErrNoScript
	}
	v := f.script[f.pos]
	if f.pos < len(f.script)-1 {
		f.pos++
	}
	return v, nil
}

// Set makes every following Powered call report powered.
func (f *FakeSense) Set(powered bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = []bool{powered}
	f.pos = 0
}

// Fail makes Powered return err until Fail(nil).
func (f *FakeSense) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Polls returns how many times Powered was called.
func (f *FakeSense) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *FakeSense) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeSense) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
