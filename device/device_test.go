package device

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/vfs"
)

func readAll(t *testing.T, v *vfs.VFS, h int32, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	n, err := v.Read(h, buf, 0)
	require.NoError(t, err)
	return buf[:n]
}

func TestClockNeverDecreases(t *testing.T) {
	samples := []uint64{100, 250, 200, 300}
	i := 0
	clock := NewClock(WithClockSource(func() uint64 {
		v := samples[i]
		i++
		return v
	}))
	v := vfs.New()
	v.RegisterProvider(clock)

	h, err := v.Open(ClockPath, vfs.ModeRead, 0)
	require.NoError(t, err)

	var got []uint64
	for range samples {
		b := readAll(t, v, h, 8)
		require.Len(t, b, 8)
		got = append(got, binary.LittleEndian.Uint64(b))
	}
	assert.Equal(t, []uint64{100, 250, 250, 300}, got)
}

func TestClockPartialReadsShareSample(t *testing.T) {
	var calls int
	clock := NewClock(WithClockSource(func() uint64 {
		calls++
		return 0x0102030405060708
	}))
	v := vfs.New()
	v.RegisterProvider(clock)
	h, err := v.Open(ClockPath, vfs.ModeRead, 0)
	require.NoError(t, err)

	first := readAll(t, v, h, 3)
	second := readAll(t, v, h, 5)
	assert.Equal(t, 1, calls)

	assert.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(append(first, second...)))

	readAll(t, v, h, 8)
	assert.Equal(t, 2, calls)
}

func TestClockIsReadOnly(t *testing.T) {
	v := vfs.New()
	v.RegisterProvider(NewClock())

	_, err := v.Open(ClockPath, vfs.ModeWrite, 0)
	assert.Equal(t, status.Unsupported, status.CodeOf(err))
}

func TestRandomYieldsEightBytes(t *testing.T) {
	v := vfs.New()
	v.RegisterProvider(NewRandom())
	h, err := v.Open(RandomPath, vfs.ModeRead, 0)
	require.NoError(t, err)

	a := readAll(t, v, h, 16)
	b := readAll(t, v, h, 16)
	assert.Len(t, a, 8)
	assert.Len(t, b, 8)
}

func TestSensor(t *testing.T) {
	_, err := NewSensor("/tmp/x", func() ([]byte, error) { return nil, nil })
	assert.Error(t, err)

	temp := 20
	s, err := NewSensor("/dev/temp", func() ([]byte, error) {
		temp++
		return []byte{byte(temp)}, nil
	})
	require.NoError(t, err)

	v := vfs.New()
	v.RegisterProvider(s)
	h, err := v.Open("/dev/temp", vfs.ModeRead, 0)
	require.NoError(t, err)

	assert.Equal(t, []byte{21}, readAll(t, v, h, 4))
	assert.Equal(t, []byte{22}, readAll(t, v, h, 4))

	_, err = v.Open("/dev/humidity", vfs.ModeRead, 0)
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestLogSinkEmitsOnClose(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	v := vfs.New()
	v.RegisterProvider(NewLogSink(zap.New(core)))

	h, err := v.Open(LogPath, vfs.ModeWrite, 0)
	require.NoError(t, err)
	_, err = v.Write(h, []byte("boot ok\n"), 0)
	require.NoError(t, err)
	_, err = v.Write(h, []byte("\nsecond"), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, logs.Len())

	require.NoError(t, v.Close(h))
	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "boot ok", entries[0].ContextMap()["line"])
	assert.Equal(t, "second", entries[1].ContextMap()["line"])
}

type recordingSubscriber struct {
	mu      sync.Mutex
	filters []string
	err     error
}

func (r *recordingSubscriber) Subscribe(_ context.Context, filter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, filter)
	return r.err
}

func TestSubscribeSink(t *testing.T) {
	sub := &recordingSubscriber{}
	v := vfs.New()
	v.RegisterProvider(NewSubscribeSink(sub, 0))

	h, err := v.Open(SubscribePath, vfs.ModeWrite, 0)
	require.NoError(t, err)
	_, err = v.Write(h, []byte("sensors/+/temp\n\n  cmd/#  \n"), 0)
	require.NoError(t, err)
	require.NoError(t, v.Close(h))

	assert.Equal(t, []string{"sensors/+/temp", "cmd/#"}, sub.filters)
}

func TestSubscribeSinkError(t *testing.T) {
	sub := &recordingSubscriber{err: errors.New("bad filter")}
	v := vfs.New()
	v.RegisterProvider(NewSubscribeSink(sub, 0))

	h, err := v.Open(SubscribePath, vfs.ModeWrite, 0)
	require.NoError(t, err)
	_, err = v.Write(h, []byte("a\nb"), 0)
	require.NoError(t, err)

	assert.Error(t, v.Close(h))
	assert.Equal(t, []string{"a"}, sub.filters)
	assert.Empty(t, v.OpenHandles())
}
