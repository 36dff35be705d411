package device

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/twedge/stream"
	"github.com/caffeineduck/twedge/vfs"
)

// ClockPath is the path owned by Clock.
const ClockPath = "/dev/clock"

// Clock serves a monotonically non-decreasing nanosecond timestamp.
type Clock struct {
	now  func() uint64
	last atomic.Uint64
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithClockSource replaces the time source, mainly for tests.
func WithClockSource(now func() uint64) ClockOption {
	return func(c *Clock) {
		c.now = now
	}
}

// NewClock creates the /dev/clock provider.
func NewClock(opts ...ClockOption) *Clock {
	start := time.Now()
	base := uint64(start.UnixNano())
	c := &Clock{
		now: func() uint64 {
			// time.Since uses the monotonic reading of start.
			return base + uint64(time.Since(start))
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capability reports the fixed capability of clock entries.
func (c *Clock) Capability() vfs.Capability { return vfs.ReadOnly }

// Find implements vfs.Provider.
func (c *Clock) Find(path string) (*vfs.Entry, bool) {
	if path != ClockPath {
		return nil, false
	}
	s := stream.NewPull(c.sample, stream.WithAutoReset(stream.ResetAtEnd))
	return vfs.NewEntry(path, vfs.ReadOnly, s), true
}

func (c *Clock) sample() ([]byte, error) {
	v := c.now()
	for {
		last := c.last.Load()
		if v <= last {
			v = last
			break
		}
		if c.last.CompareAndSwap(last, v) {
			break
		}
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf, nil
}
