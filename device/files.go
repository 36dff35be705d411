package device

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/stream"
	"github.com/caffeineduck/twedge/vfs"
)

// MountMode fixes the capability of every entry under a mount.
type MountMode int

const (
	// MountReadOnly exposes files as read-only entries.
	MountReadOnly MountMode = iota
	// MountWrite exposes existing files as write-only entries.
	MountWrite
	// MountWriteCreate is MountWrite that may also create new files.
	MountWriteCreate
)

func (m MountMode) String() string {
	switch m {
	case MountReadOnly:
		return "ro"
	case MountWrite:
		return "w"
	case MountWriteCreate:
		return "wc"
	default:
		return fmt.Sprintf("MountMode(%d)", int(m))
	}
}

// ParseMountMode parses the "ro", "w" and "wc" spellings used in config and
// on the command line.
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "", "ro":
		return MountReadOnly, nil
	case "w":
		return MountWrite, nil
	case "wc":
		return MountWriteCreate, nil
	}
	return 0, fmt.Errorf("invalid mount mode %q (want ro, w or wc)", s)
}

// Mount maps a virtual directory under /dev/ to a host directory.
type Mount struct {
	VirtualPath string // e.g. "/dev/data"
	HostPath    string
	Mode        MountMode
}

// ParseMount parses "host:virtual[:mode]".
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mount{}, fmt.Errorf("invalid mount %q (want host:virtual[:ro|w|wc])", spec)
	}
	m := Mount{HostPath: parts[0], VirtualPath: parts[1]}
	if len(parts) == 3 {
		mode, err := ParseMountMode(parts[2])
		if err != nil {
			return Mount{}, err
		}
		m.Mode = mode
	}
	return m, nil
}

// DefaultMaxFileSize bounds both file reads and buffered writes.
const DefaultMaxFileSize = 1 << 20

// Files exposes host files through mounts. Reads snapshot the whole file at
// the start of each read cycle; writes are buffered and replace the file
// content when the entry is closed.
type Files struct {
	mounts  []Mount
	maxSize int
}

// FilesOption configures Files.
type FilesOption func(*Files)

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int) FilesOption {
	return func(f *Files) {
		f.maxSize = n
	}
}

// NewFiles validates and normalizes mounts.
func NewFiles(mounts []Mount, opts ...FilesOption) (*Files, error) {
	f := &Files{maxSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(f)
	}
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		if !vfs.ValidDevicePath(vp) {
			return nil, fmt.Errorf("mount %s: virtual path must be under %s", m.VirtualPath, vfs.PathPrefix)
		}
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.VirtualPath, err)
		}
		f.mounts = append(f.mounts, Mount{VirtualPath: vp, HostPath: hp, Mode: m.Mode})
	}
	return f, nil
}

// Mounts returns the normalized mounts.
func (f *Files) Mounts() []Mount {
	return append([]Mount(nil), f.mounts...)
}

// Find implements vfs.Provider. Paths that escape their mount, lexically or
// through a symlink, are treated as not found.
func (f *Files) Find(path string) (*vfs.Entry, bool) {
	m, rel, ok := f.resolve(path)
	if !ok {
		return nil, false
	}
	if m.Mode == MountReadOnly {
		s := stream.NewPull(func() ([]byte, error) {
			return f.readFile(m, rel)
		}, stream.WithAutoReset(stream.ResetAtEnd))
		return vfs.NewEntry(path, vfs.ReadOnly, s), true
	}
	s := stream.NewPush(stream.WithMaxSize(f.maxSize))
	commit := func(data []byte) error {
		return writeFile(m, rel, data)
	}
	return vfs.NewEntry(path, vfs.WriteOnly, s, vfs.OnClose(commit)), true
}

// resolve returns the mount owning virtualPath and the path relative to its
// host directory.
func (f *Files) resolve(virtualPath string) (Mount, string, bool) {
	vp := path.Clean("/" + strings.TrimPrefix(virtualPath, "/"))
	for _, m := range f.mounts {
		rel, ok := strings.CutPrefix(vp, m.VirtualPath+"/")
		if !ok {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return Mount{}, "", false
		}
		return m, filepath.FromSlash(rel), true
	}
	return Mount{}, "", false
}

func (f *Files) readFile(m Mount, rel string) ([]byte, error) {
	root, err := os.OpenRoot(m.HostPath)
	if err != nil {
		return nil, fsError("read", err)
	}
	defer root.Close()

	info, err := root.Stat(rel)
	if err != nil {
		return nil, fsError("read", err)
	}
	if info.IsDir() {
		return nil, status.New("read", status.Unsupported, "is a directory")
	}
	if info.Size() > int64(f.maxSize) {
		return nil, status.New("read", status.OutOfBounds, "file exceeds %d bytes", f.maxSize)
	}
	data, err := root.ReadFile(rel)
	if err != nil {
		return nil, fsError("read", err)
	}
	if len(data) > f.maxSize {
		return nil, status.New("read", status.OutOfBounds, "file exceeds %d bytes", f.maxSize)
	}
	return data, nil
}

func writeFile(m Mount, rel string, data []byte) error {
	root, err := os.OpenRoot(m.HostPath)
	if err != nil {
		return fsError("close", err)
	}
	defer root.Close()

	if _, err := root.Stat(rel); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fsError("close", err)
		}
		if m.Mode != MountWriteCreate {
			return status.New("close", status.Unsupported, "cannot create new files")
		}
		if dir := filepath.Dir(rel); dir != "." {
			if err := root.MkdirAll(dir, 0o755); err != nil {
				return fsError("close", err)
			}
		}
	}
	if err := root.WriteFile(rel, data, 0o644); err != nil {
		return fsError("close", err)
	}
	return nil
}

// fsError maps host filesystem failures onto status codes. os.Root reports
// an escape as a *PathError whose cause is unexported, so it is matched by
// message.
func fsError(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return status.New(op, status.NotFound, "file not found")
	}
	var pe *fs.PathError
	if errors.As(err, &pe) && pe.Err != nil && pe.Err.Error() == "path escapes from parent" {
		return status.New(op, status.NotFound, "path escapes mount")
	}
	return err
}
