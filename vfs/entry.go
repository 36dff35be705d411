package vfs

import (
	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/stream"
)

// OpenMode is the access the guest asked for at open time.
type OpenMode uint32

const (
	ModeRead      OpenMode = 1
	ModeWrite     OpenMode = 2
	ModeReadWrite OpenMode = ModeRead | ModeWrite
)

// Valid reports whether m is one of the defined modes.
func (m OpenMode) Valid() bool {
	return m == ModeRead || m == ModeWrite || m == ModeReadWrite
}

// Capability is the fixed read/write capability a provider declares for the
// entries it hands out.
type Capability struct {
	CanRead  bool
	CanWrite bool
}

var (
	ReadOnly  = Capability{CanRead: true}
	WriteOnly = Capability{CanWrite: true}
)

// Provider owns one or more virtual paths.
type Provider interface {
	// Find returns a fresh entry for path, or false if the provider does not
	// own it.
	Find(path string) (*Entry, bool)
}

// CloseFunc receives the bytes a PUSH entry accumulated, once, when the entry
// is released.
type CloseFunc func(data []byte) error

// Entry is an open reference to a provider-owned path. Its capability flags
// are fixed at creation and it owns exactly one stream engine.
type Entry struct {
	stream   *stream.Engine
	onClose  CloseFunc
	path     string
	cap      Capability
	mode     OpenMode
	released bool
}

// EntryOption configures an Entry.
type EntryOption func(*Entry)

// OnClose registers fn to receive the accumulated bytes when the entry is
// closed.
func OnClose(fn CloseFunc) EntryOption {
	return func(e *Entry) {
		e.onClose = fn
	}
}

// NewEntry creates an entry for path backed by s.
func NewEntry(path string, cap Capability, s *stream.Engine, opts ...EntryOption) *Entry {
	e := &Entry{path: path, cap: cap, stream: s}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Entry) Path() string           { return e.path }
func (e *Entry) CanRead() bool          { return e.cap.CanRead }
func (e *Entry) CanWrite() bool         { return e.cap.CanWrite }
func (e *Entry) Capability() Capability { return e.cap }
func (e *Entry) Mode() OpenMode         { return e.mode }
func (e *Entry) Stream() *stream.Engine { return e.stream }

// Read pulls bytes from the entry's stream.
func (e *Entry) Read(p []byte) (int, error) {
	if e.released {
		return 0, status.New("read", status.InvalidHandle, "entry %s released", e.path)
	}
	if !e.cap.CanRead {
		return 0, status.New("read", status.Unsupported, "%s is write-only", e.path)
	}
	return e.stream.Read(p)
}

// Write pushes bytes into the entry's stream.
func (e *Entry) Write(p []byte) (int, error) {
	if e.released {
		return 0, status.New("write", status.InvalidHandle, "entry %s released", e.path)
	}
	if !e.cap.CanWrite {
		return 0, status.New("write", status.Unsupported, "%s is read-only", e.path)
	}
	return e.stream.Write(p)
}

// Close releases the entry. The close hook runs at most once; later calls
// report InvalidHandle.
func (e *Entry) Close() error {
	if e.released {
		return status.New("close", status.InvalidHandle, "entry %s already released", e.path)
	}
	e.released = true
	if e.onClose == nil {
		return nil
	}
	return e.onClose(e.stream.Bytes())
}
