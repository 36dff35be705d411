package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/status"
)

// PathPrefix is the mandatory prefix of every virtual path.
const PathPrefix = "/dev/"

// ValidPath reports whether p is a well-formed path under /dev/. Nested
// paths are allowed for mounted directories; empty, "." and ".." segments are
// not.
func ValidPath(p string) bool {
	rest, ok := strings.CutPrefix(p, PathPrefix)
	if !ok || rest == "" {
		return false
	}
	for seg := range strings.SplitSeq(rest, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// ValidDevicePath reports whether p is a single-level "/dev/<name>" path, as
// owned by a device provider.
func ValidDevicePath(p string) bool {
	return ValidPath(p) && !strings.Contains(p[len(PathPrefix):], "/")
}

// DefaultMaxHandles bounds the handles one VFS keeps open at a time.
const DefaultMaxHandles = 64

// VFS routes paths to providers and tracks open handles.
type VFS struct {
	log        *zap.Logger
	handles    map[int32]*Entry
	providers  []Provider
	maxHandles int
	mu         sync.Mutex
}

// Option configures a VFS.
type Option func(*VFS)

// WithLogger sets the logger used for provider failures.
func WithLogger(l *zap.Logger) Option {
	return func(v *VFS) {
		v.log = l
	}
}

// WithMaxHandles overrides DefaultMaxHandles. Zero or less removes the limit.
func WithMaxHandles(n int) Option {
	return func(v *VFS) {
		v.maxHandles = n
	}
}

// New creates an empty VFS.
func New(opts ...Option) *VFS {
	v := &VFS{
		log:        zap.NewNop(),
		handles:    make(map[int32]*Entry),
		maxHandles: DefaultMaxHandles,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RegisterProvider appends p to the resolution order.
func (v *VFS) RegisterProvider(p Provider) {
	v.mu.Lock()
	v.providers = append(v.providers, p)
	v.mu.Unlock()
}

// Open resolves path and returns a new handle for it. Once the handle limit
// is reached Open fails with OutOfBounds until a handle is closed.
func (v *VFS) Open(path string, mode OpenMode, flags uint32) (h int32, err error) {
	defer v.recoverProvider("open", path, &err)

	if !mode.Valid() {
		return 0, status.New("open", status.Unsupported, "invalid mode %d", mode)
	}
	if !ValidPath(path) {
		return 0, status.New("open", status.NotFound, "invalid path %q", path)
	}

	v.mu.Lock()
	providers := v.providers
	v.mu.Unlock()

	for _, p := range providers {
		entry, ok := p.Find(path)
		if !ok {
			continue
		}
		entry.mode = mode

		v.mu.Lock()
		if v.maxHandles > 0 && len(v.handles) >= v.maxHandles {
			v.mu.Unlock()
			return 0, status.New("open", status.OutOfBounds, "too many open handles (limit %d)", v.maxHandles)
		}
		h = v.allocHandle()
		v.handles[h] = entry
		v.mu.Unlock()
		return h, nil
	}
	return 0, status.New("open", status.NotFound, "no provider for %q", path)
}

// Read reads from the entry behind h.
func (v *VFS) Read(h int32, p []byte, flags uint32) (n int, err error) {
	entry, err := v.Entry(h)
	if err != nil {
		return 0, err
	}
	defer v.recoverProvider("read", entry.path, &err)
	return entry.Read(p)
}

// Write writes to the entry behind h.
func (v *VFS) Write(h int32, p []byte, flags uint32) (n int, err error) {
	entry, err := v.Entry(h)
	if err != nil {
		return 0, err
	}
	defer v.recoverProvider("write", entry.path, &err)
	return entry.Write(p)
}

// Close releases h. The handle is removed from the table even when the
// entry's close hook fails.
func (v *VFS) Close(h int32) (err error) {
	v.mu.Lock()
	entry, ok := v.handles[h]
	delete(v.handles, h)
	v.mu.Unlock()

	if !ok {
		return status.New("close", status.InvalidHandle, "handle %d", h)
	}
	defer v.recoverProvider("close", entry.path, &err)
	return entry.Close()
}

// Entry returns the live entry behind h.
func (v *VFS) Entry(h int32) (*Entry, error) {
	v.mu.Lock()
	entry, ok := v.handles[h]
	v.mu.Unlock()
	if !ok {
		return nil, status.New("lookup", status.InvalidHandle, "handle %d", h)
	}
	return entry, nil
}

// OpenHandles returns the currently open handles in ascending order.
func (v *VFS) OpenHandles() []int32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	hs := make([]int32, 0, len(v.handles))
	for h := range v.handles {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// CloseAll releases every open handle. Close hook failures are logged and
// the first one is returned.
func (v *VFS) CloseAll() error {
	var first error
	for _, h := range v.OpenHandles() {
		if err := v.Close(h); err != nil {
			v.log.Warn("release handle", zap.Int32("handle", h), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// allocHandle returns the lowest free positive handle. Caller holds v.mu.
func (v *VFS) allocHandle() int32 {
	for h := int32(1); ; h++ {
		if _, used := v.handles[h]; !used {
			return h
		}
	}
}

func (v *VFS) recoverProvider(op, path string, err *error) {
	if r := recover(); r != nil {
		v.log.Error("provider panic",
			zap.String("op", op),
			zap.String("path", path),
			zap.Any("panic", r))
		*err = status.Wrap(op, status.Internal, fmt.Errorf("provider panic on %s: %v", path, r))
	}
}
