package stream

import (
	"errors"

	"github.com/caffeineduck/twedge/status"
)

// Mode selects how an engine moves bytes.
type Mode int

const (
	ModePull Mode = iota + 1
	ModePush
)

func (m Mode) String() string {
	switch m {
	case ModePull:
		return "pull"
	case ModePush:
		return "push"
	default:
		return "unknown"
	}
}

// ResetBoundary selects when an auto-reset PULL engine considers a read cycle
// complete.
type ResetBoundary int

const (
	// ResetAtEnd fires once the cursor reaches len(buffer).
	ResetAtEnd ResetBoundary = iota
	// ResetBeforeLast fires once the cursor reaches len(buffer)-1.
	ResetBeforeLast
)

// Regenerator produces a fresh buffer for a PULL engine.
type Regenerator func() ([]byte, error)

// Engine is a PULL or PUSH byte buffer with a cursor.
type Engine struct {
	regen       Regenerator
	buf         []byte
	mode        Mode
	boundary    ResetBoundary
	cursor      int
	maxSize     int
	generations int
	autoReset   bool
	loaded      bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAutoReset makes a PULL engine discard its buffer after each completed
// read cycle, using the given boundary.
func WithAutoReset(boundary ResetBoundary) Option {
	return func(e *Engine) {
		e.autoReset = true
		e.boundary = boundary
	}
}

// WithMaxSize caps the number of bytes a PUSH engine accumulates.
// Zero means unlimited.
func WithMaxSize(n int) Option {
	return func(e *Engine) {
		e.maxSize = n
	}
}

// NewPull returns a PULL engine backed by regen.
func NewPull(regen Regenerator, opts ...Option) *Engine {
	e := &Engine{mode: ModePull, regen: regen}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewPush returns an accumulate-only PUSH engine.
func NewPush(opts ...Option) *Engine {
	e := &Engine{mode: ModePush}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode reports the engine's fixed mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Read copies the next bytes of the current cycle into p. A PULL engine
// regenerates its buffer on the first access of each cycle. A return of 0
// with a nil error means the cycle is exhausted and auto-reset is off.
func (e *Engine) Read(p []byte) (int, error) {
	if e.mode != ModePull {
		return 0, status.New("read", status.Unsupported, "%s engine is write-only", e.mode)
	}
	if !e.loaded {
		if err := e.load(); err != nil {
			return 0, err
		}
	}

	n := copy(p, e.buf[e.cursor:])
	e.cursor += n

	if e.autoReset && e.cycleDone() {
		e.discard()
	}
	return n, nil
}

// Write appends p to a PUSH engine's buffer.
func (e *Engine) Write(p []byte) (int, error) {
	if e.mode != ModePush {
		return 0, status.New("write", status.Unsupported, "%s engine is read-only", e.mode)
	}
	if e.maxSize > 0 && len(e.buf)+len(p) > e.maxSize {
		return 0, status.New("write", status.Unsupported, "buffer full: %d + %d > %d", len(e.buf), len(p), e.maxSize)
	}
	e.buf = append(e.buf, p...)
	return len(p), nil
}

// Bytes returns a copy of the bytes accumulated by a PUSH engine.
// PULL engines return nil.
func (e *Engine) Bytes() []byte {
	if e.mode != ModePush {
		return nil
	}
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out
}

// Len reports the size of the materialized buffer, or zero when a PULL
// engine has not generated one yet.
func (e *Engine) Len() int {
	return len(e.buf)
}

// Remaining reports the unread bytes of the current PULL cycle.
func (e *Engine) Remaining() int {
	if e.mode != ModePull {
		return 0
	}
	return len(e.buf) - e.cursor
}

// Generations reports how many times the regenerator has run.
func (e *Engine) Generations() int {
	return e.generations
}

// Reset discards the buffer. The next PULL access regenerates; a PUSH
// engine starts accumulating from empty.
func (e *Engine) Reset() {
	e.discard()
}

func (e *Engine) load() error {
	if e.regen == nil {
		return status.New("read", status.Unsupported, "pull engine has no regenerator")
	}
	buf, err := e.regen()
	if err != nil {
		var se *status.Error
		if errors.As(err, &se) {
			return err
		}
		return status.Wrap("regenerate", status.Internal, err)
	}
	e.buf = buf
	e.cursor = 0
	e.loaded = true
	e.generations++
	return nil
}

func (e *Engine) cycleDone() bool {
	switch e.boundary {
	case ResetBeforeLast:
		return e.cursor >= len(e.buf)-1
	default:
		return e.cursor >= len(e.buf)
	}
}

func (e *Engine) discard() {
	e.buf = nil
	e.cursor = 0
	e.loaded = false
}
