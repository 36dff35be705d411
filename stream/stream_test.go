package stream

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/caffeineduck/twedge/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter returns a regenerator producing 8-byte little-endian sequence
// numbers, and a pointer to the number of times it ran.
func counter() (Regenerator, *int) {
	calls := 0
	return func() ([]byte, error) {
		calls++
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(calls))
		return buf, nil
	}, &calls
}

func TestPullLazyGeneration(t *testing.T) {
	regen, calls := counter()
	e := NewPull(regen, WithAutoReset(ResetAtEnd))

	assert.Equal(t, 0, *calls, "regenerator must not run before first access")
	assert.Equal(t, ModePull, e.Mode())

	buf := make([]byte, 8)
	n, err := e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, 1, *calls)
}

func TestPullOneRegenerationPerFullCycle(t *testing.T) {
	regen, calls := counter()
	e := NewPull(regen, WithAutoReset(ResetAtEnd))

	buf := make([]byte, 8)
	_, err := e.Read(buf)
	require.NoError(t, err)
	first := binary.LittleEndian.Uint64(buf)

	_, err = e.Read(buf)
	require.NoError(t, err)
	second := binary.LittleEndian.Uint64(buf)

	assert.Equal(t, 2, *calls, "two full reads must regenerate exactly twice")
	assert.Equal(t, 2, e.Generations())
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
}

func TestPullPartialReadsMatchFullRead(t *testing.T) {
	payload := []byte("0123456789abcdef")
	gen := func() ([]byte, error) { return append([]byte(nil), payload...), nil }

	full := NewPull(gen, WithAutoReset(ResetAtEnd))
	whole := make([]byte, len(payload))
	n, err := full.Read(whole)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	partial := NewPull(gen, WithAutoReset(ResetAtEnd))
	var got []byte
	for _, size := range []int{3, 5, 1, 7} {
		chunk := make([]byte, size)
		n, err := partial.Read(chunk)
		require.NoError(t, err)
		require.Equal(t, size, n)
		got = append(got, chunk...)
	}

	assert.Equal(t, whole, got)
	assert.Equal(t, 1, partial.Generations(), "partial reads of one cycle share one generated instance")
}

func TestPullPartialCycleThenFreshCycle(t *testing.T) {
	regen, calls := counter()
	e := NewPull(regen, WithAutoReset(ResetAtEnd))

	half := make([]byte, 4)
	_, err := e.Read(half)
	require.NoError(t, err)
	assert.Equal(t, 4, e.Remaining())
	_, err = e.Read(half)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)

	_, err = e.Read(half)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls, "next access after a completed cycle regenerates")
}

func TestResetBeforeLastFiresOneByteEarly(t *testing.T) {
	regen, calls := counter()
	e := NewPull(regen, WithAutoReset(ResetBeforeLast))

	seven := make([]byte, 7)
	n, err := e.Read(seven)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 0, e.Len(), "legacy boundary discards the buffer at length-1")

	one := make([]byte, 1)
	_, err = e.Read(one)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls, "the final byte of the first cycle is never observed")
	assert.Equal(t, byte(2), one[0])
}

func TestResetAtEndKeepsFinalByte(t *testing.T) {
	regen, calls := counter()
	e := NewPull(regen, WithAutoReset(ResetAtEnd))

	seven := make([]byte, 7)
	_, err := e.Read(seven)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Remaining())

	one := make([]byte, 1)
	_, err = e.Read(one)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, byte(0), one[0], "high byte of sequence number 1")
}

func TestResetBoundariesAgreeOnFullReads(t *testing.T) {
	for _, boundary := range []ResetBoundary{ResetAtEnd, ResetBeforeLast} {
		regen, calls := counter()
		e := NewPull(regen, WithAutoReset(boundary))
		buf := make([]byte, 8)
		for i := 0; i < 3; i++ {
			n, err := e.Read(buf)
			require.NoError(t, err)
			require.Equal(t, 8, n)
		}
		assert.Equal(t, 3, *calls, "boundary %d", boundary)
	}
}

func TestPullWithoutAutoResetExhausts(t *testing.T) {
	regen, calls := counter()
	e := NewPull(regen)

	buf := make([]byte, 8)
	n, err := e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	n, err = e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, *calls)

	e.Reset()
	n, err = e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, 2, *calls)
}

func TestPullRegeneratorError(t *testing.T) {
	e := NewPull(func() ([]byte, error) { return nil, errors.New("sensor offline") })

	_, err := e.Read(make([]byte, 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInternal))
	assert.Equal(t, 0, e.Generations())
}

func TestPullRegeneratorStatusPassesThrough(t *testing.T) {
	e := NewPull(func() ([]byte, error) {
		return nil, status.New("read", status.NotFound, "gone")
	})

	_, err := e.Read(make([]byte, 4))
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestPullRejectsWrite(t *testing.T) {
	regen, calls := counter()
	e := NewPull(regen)

	n, err := e.Write([]byte("x"))
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, status.ErrUnsupported))
	assert.Equal(t, 0, *calls)
	assert.Nil(t, e.Bytes())
}

func TestPushAccumulates(t *testing.T) {
	e := NewPush()
	assert.Equal(t, ModePush, e.Mode())

	for _, part := range []string{"hello", " ", "world"} {
		n, err := e.Write([]byte(part))
		require.NoError(t, err)
		assert.Equal(t, len(part), n)
	}
	assert.Equal(t, []byte("hello world"), e.Bytes())

	e.Reset()
	assert.Empty(t, e.Bytes())
}

func TestPushRejectsRead(t *testing.T) {
	e := NewPush()
	_, _ = e.Write([]byte("secret"))

	buf := make([]byte, 6)
	n, err := e.Read(buf)
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, status.ErrUnsupported))
	assert.Equal(t, make([]byte, 6), buf)
}

func TestPushMaxSize(t *testing.T) {
	e := NewPush(WithMaxSize(4))

	_, err := e.Write([]byte("abc"))
	require.NoError(t, err)

	n, err := e.Write([]byte("de"))
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, status.ErrUnsupported))
	assert.Equal(t, []byte("abc"), e.Bytes())
}

func TestBytesReturnsCopy(t *testing.T) {
	e := NewPush()
	_, _ = e.Write([]byte("abc"))
	b := e.Bytes()
	b[0] = 'z'
	assert.Equal(t, []byte("abc"), e.Bytes())
}
