package vfs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/stream"
)

// staticProvider owns a fixed set of paths with one capability.
type staticProvider struct {
	paths   map[string]bool
	cap     Capability
	payload []byte
	closed  [][]byte
}

func newStatic(cap Capability, payload string, paths ...string) *staticProvider {
	p := &staticProvider{paths: make(map[string]bool), cap: cap, payload: []byte(payload)}
	for _, path := range paths {
		p.paths[path] = true
	}
	return p
}

func (p *staticProvider) Find(path string) (*Entry, bool) {
	if !p.paths[path] {
		return nil, false
	}
	if p.cap.CanWrite {
		return NewEntry(path, p.cap, stream.NewPush(), OnClose(func(data []byte) error {
			p.closed = append(p.closed, data)
			return nil
		})), true
	}
	payload := p.payload
	return NewEntry(path, p.cap, stream.NewPull(func() ([]byte, error) {
		return append([]byte(nil), payload...), nil
	}, stream.WithAutoReset(stream.ResetAtEnd))), true
}

type panicProvider struct{}

func (panicProvider) Find(path string) (*Entry, bool) {
	panic("driver exploded")
}

func TestOpenResolvesRegisteredPaths(t *testing.T) {
	v := New()
	ro := newStatic(ReadOnly, "abc", "/dev/sensor")
	wo := newStatic(WriteOnly, "", "/dev/sink")
	v.RegisterProvider(ro)
	v.RegisterProvider(wo)

	cases := []struct {
		path string
		cap  Capability
	}{
		{"/dev/sensor", ReadOnly},
		{"/dev/sink", WriteOnly},
	}
	for _, tc := range cases {
		h, err := v.Open(tc.path, ModeReadWrite, 0)
		require.NoError(t, err, tc.path)
		entry, err := v.Entry(h)
		require.NoError(t, err)
		assert.Equal(t, tc.cap.CanRead, entry.CanRead(), tc.path)
		assert.Equal(t, tc.cap.CanWrite, entry.CanWrite(), tc.path)
		assert.Equal(t, ModeReadWrite, entry.Mode())
	}
}

func TestOpenUnknownPathIsNotFound(t *testing.T) {
	v := New()
	v.RegisterProvider(newStatic(ReadOnly, "x", "/dev/sensor"))

	for _, path := range []string{"/dev/other", "/dev/Sensor", "/dev/", "/tmp/sensor", "", "/dev/sensor/extra"} {
		_, err := v.Open(path, ModeRead, 0)
		assert.True(t, errors.Is(err, status.ErrNotFound), "path %q: %v", path, err)
	}
}

func TestOpenFirstProviderWins(t *testing.T) {
	v := New()
	v.RegisterProvider(newStatic(ReadOnly, "first", "/dev/shared"))
	v.RegisterProvider(newStatic(ReadOnly, "second", "/dev/shared"))

	h, err := v.Open("/dev/shared", ModeRead, 0)
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := v.Read(h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))
}

func TestOpenInvalidMode(t *testing.T) {
	v := New()
	v.RegisterProvider(newStatic(ReadOnly, "x", "/dev/sensor"))

	_, err := v.Open("/dev/sensor", OpenMode(0), 0)
	assert.True(t, errors.Is(err, status.ErrUnsupported))
	_, err = v.Open("/dev/sensor", OpenMode(8), 0)
	assert.True(t, errors.Is(err, status.ErrUnsupported))
}

func TestCapabilityMismatchIsUnsupported(t *testing.T) {
	v := New()
	sink := newStatic(WriteOnly, "", "/dev/sink")
	v.RegisterProvider(newStatic(ReadOnly, "data", "/dev/sensor"))
	v.RegisterProvider(sink)

	ro, err := v.Open("/dev/sensor", ModeRead, 0)
	require.NoError(t, err)
	n, err := v.Write(ro, []byte("nope"), 0)
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, status.ErrUnsupported))

	wo, err := v.Open("/dev/sink", ModeWrite, 0)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err = v.Read(wo, buf, 0)
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, status.ErrUnsupported))

	require.NoError(t, v.Close(wo))
	require.Len(t, sink.closed, 1)
	assert.Empty(t, sink.closed[0], "rejected operations must not leave bytes behind")
}

func TestHandlesAreUniqueAndReused(t *testing.T) {
	v := New()
	v.RegisterProvider(newStatic(ReadOnly, "x", "/dev/a"))

	h1, _ := v.Open("/dev/a", ModeRead, 0)
	h2, _ := v.Open("/dev/a", ModeRead, 0)
	h3, _ := v.Open("/dev/a", ModeRead, 0)
	assert.Equal(t, []int32{1, 2, 3}, []int32{h1, h2, h3})

	require.NoError(t, v.Close(h2))
	h4, _ := v.Open("/dev/a", ModeRead, 0)
	assert.Equal(t, int32(2), h4, "lowest free handle is reused")

	e1, _ := v.Entry(h1)
	e4, _ := v.Entry(h4)
	assert.NotSame(t, e1, e4)
}

func TestOpenHandleLimit(t *testing.T) {
	v := New(WithMaxHandles(3))
	v.RegisterProvider(newStatic(ReadOnly, "abc", "/dev/sensor"))

	for want := int32(1); want <= 3; want++ {
		h, err := v.Open("/dev/sensor", ModeRead, 0)
		require.NoError(t, err)
		assert.Equal(t, want, h)
	}
	for range 10 {
		_, err := v.Open("/dev/sensor", ModeRead, 0)
		assert.Equal(t, status.OutOfBounds, status.CodeOf(err))
	}
	assert.Len(t, v.OpenHandles(), 3)

	require.NoError(t, v.Close(2))
	h, err := v.Open("/dev/sensor", ModeRead, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), h)
}

func TestOpenDefaultHandleLimit(t *testing.T) {
	v := New()
	v.RegisterProvider(newStatic(ReadOnly, "abc", "/dev/sensor"))
	for range DefaultMaxHandles {
		_, err := v.Open("/dev/sensor", ModeRead, 0)
		require.NoError(t, err)
	}
	_, err := v.Open("/dev/sensor", ModeRead, 0)
	assert.Equal(t, status.OutOfBounds, status.CodeOf(err))

	unlimited := New(WithMaxHandles(0))
	unlimited.RegisterProvider(newStatic(ReadOnly, "abc", "/dev/sensor"))
	for range DefaultMaxHandles + 1 {
		_, err := unlimited.Open("/dev/sensor", ModeRead, 0)
		require.NoError(t, err)
	}
}

func TestStaleHandleIsInvalid(t *testing.T) {
	v := New()
	v.RegisterProvider(newStatic(ReadOnly, "x", "/dev/a"))

	h, _ := v.Open("/dev/a", ModeRead, 0)
	require.NoError(t, v.Close(h))

	_, err := v.Read(h, make([]byte, 1), 0)
	assert.True(t, errors.Is(err, status.ErrInvalidHandle))
	_, err = v.Write(h, []byte("x"), 0)
	assert.True(t, errors.Is(err, status.ErrInvalidHandle))
	assert.True(t, errors.Is(v.Close(h), status.ErrInvalidHandle))
	assert.True(t, errors.Is(v.Close(99), status.ErrInvalidHandle))
}

func TestPushEntryDeliversOnCloseOnce(t *testing.T) {
	v := New()
	sink := newStatic(WriteOnly, "", "/dev/sink")
	v.RegisterProvider(sink)

	h, err := v.Open("/dev/sink", ModeWrite, 0)
	require.NoError(t, err)
	_, err = v.Write(h, []byte("hello "), 0)
	require.NoError(t, err)
	_, err = v.Write(h, []byte("world"), 0)
	require.NoError(t, err)

	entry, _ := v.Entry(h)
	require.NoError(t, v.Close(h))
	assert.Equal(t, [][]byte{[]byte("hello world")}, sink.closed)

	assert.True(t, errors.Is(entry.Close(), status.ErrInvalidHandle))
	assert.Len(t, sink.closed, 1)
}

func TestCloseAllReleasesEverything(t *testing.T) {
	v := New()
	sink := newStatic(WriteOnly, "", "/dev/sink")
	v.RegisterProvider(sink)
	v.RegisterProvider(newStatic(ReadOnly, "x", "/dev/a"))

	_, _ = v.Open("/dev/sink", ModeWrite, 0)
	_, _ = v.Open("/dev/a", ModeRead, 0)
	_, _ = v.Open("/dev/sink", ModeWrite, 0)
	require.Len(t, v.OpenHandles(), 3)

	require.NoError(t, v.CloseAll())
	assert.Empty(t, v.OpenHandles())
	assert.Len(t, sink.closed, 2)
}

func TestProviderPanicIsContained(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	v := New(WithLogger(zap.New(core)))
	v.RegisterProvider(panicProvider{})

	_, err := v.Open("/dev/anything", ModeRead, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInternal))
	assert.Equal(t, 1, logs.FilterMessage("provider panic").Len())
	assert.Empty(t, v.OpenHandles())
}

func TestRegeneratorPanicIsContained(t *testing.T) {
	v := New()
	v.RegisterProvider(providerFunc(func(path string) (*Entry, bool) {
		return NewEntry(path, ReadOnly, stream.NewPull(func() ([]byte, error) {
			panic("bus fault")
		})), true
	}))

	h, err := v.Open("/dev/flaky", ModeRead, 0)
	require.NoError(t, err)
	_, err = v.Read(h, make([]byte, 8), 0)
	assert.True(t, errors.Is(err, status.ErrInternal))

	require.NoError(t, v.Close(h), "the handle remains closable after a provider failure")
}

type providerFunc func(path string) (*Entry, bool)

func (f providerFunc) Find(path string) (*Entry, bool) { return f(path) }

func TestValidPath(t *testing.T) {
	assert.True(t, ValidPath("/dev/clock"))
	assert.False(t, ValidPath("/dev/"))
	assert.False(t, ValidPath("dev/clock"))
	assert.True(t, ValidPath("/dev/a/b"))
	assert.False(t, ValidPath("/dev/a/../b"))
	assert.False(t, ValidPath("/dev/a//b"))
	assert.False(t, ValidPath("/dev/a/"))

	assert.True(t, ValidDevicePath("/dev/clock"))
	assert.False(t, ValidDevicePath("/dev/a/b"))
	assert.False(t, ValidDevicePath("/dev/"))
}
