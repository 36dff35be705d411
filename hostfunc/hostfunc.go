package hostfunc

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/vfs"
)

// ModuleName is the import module guests link the tw_* functions from.
const ModuleName = "env"

// Import names.
const (
	NameOpen    = "tw_open"
	NameClose   = "tw_close"
	NameRead    = "tw_read"
	NameWrite   = "tw_write"
	NamePublish = "tw_mqtt_publish"
	NameLog     = "tw_log"
)

// DefaultMaxTransfer bounds the bytes moved by one import call.
const DefaultMaxTransfer = 64 << 10

// Log severities accepted by tw_log.
const (
	SeverityDebug uint32 = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// Memory is the part of a guest's linear memory the imports use.
// api.Memory satisfies it.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// FileSystem is the handle table behind tw_open, tw_read, tw_write and
// tw_close. *vfs.VFS satisfies it.
type FileSystem interface {
	Open(path string, mode vfs.OpenMode, flags uint32) (int32, error)
	Read(h int32, p []byte, flags uint32) (int, error)
	Write(h int32, p []byte, flags uint32) (int, error)
	Close(h int32) error
}

// Publisher forwards tw_mqtt_publish to the coordinator.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Imports implements the guest import surface for one sandbox.
type Imports struct {
	fs          FileSystem
	pub         Publisher
	log         *zap.Logger
	guestLog    *zap.Logger
	maxTransfer uint32
}

// Option configures Imports.
type Option func(*Imports)

// WithLogger sets the logger for host-side diagnostics and guest tw_log
// output.
func WithLogger(l *zap.Logger) Option {
	return func(i *Imports) {
		i.log = l
	}
}

// WithMaxTransfer overrides DefaultMaxTransfer.
func WithMaxTransfer(n uint32) Option {
	return func(i *Imports) {
		i.maxTransfer = n
	}
}

// New creates the import surface. pub may be nil, in which case
// tw_mqtt_publish reports Unsupported.
func New(fs FileSystem, pub Publisher, opts ...Option) *Imports {
	i := &Imports{
		fs:          fs,
		pub:         pub,
		log:         zap.NewNop(),
		maxTransfer: DefaultMaxTransfer,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.guestLog = i.log.Named("guest")
	return i
}

// SetPublisher replaces the publisher, e.g. once the coordinator link is up.
func (i *Imports) SetPublisher(pub Publisher) {
	i.pub = pub
}

// Names lists the exported import names.
func Names() []string {
	return []string{NameOpen, NameClose, NameRead, NameWrite, NamePublish, NameLog}
}

// Open resolves the path at namePtr and returns a handle or a negative code.
func (i *Imports) Open(ctx context.Context, mem Memory, namePtr, nameLen, mode, flags uint32) int32 {
	return i.guard(NameOpen, func() (int32, error) {
		name, err := i.readGuest(mem, namePtr, nameLen)
		if err != nil {
			return 0, err
		}
		return i.fs.Open(string(name), vfs.OpenMode(mode), flags)
	})
}

// Close releases a handle.
func (i *Imports) Close(ctx context.Context, handle int32) int32 {
	return i.guard(NameClose, func() (int32, error) {
		return 0, i.fs.Close(handle)
	})
}

// Read copies up to count bytes from the handle into the guest buffer.
func (i *Imports) Read(ctx context.Context, mem Memory, handle int32, bufPtr, bufLen, count, flags uint32) int32 {
	return i.guard(NameRead, func() (int32, error) {
		n, err := i.transferSize(mem, bufPtr, bufLen, count)
		if err != nil {
			return 0, err
		}
		tmp := make([]byte, n)
		got, err := i.fs.Read(handle, tmp, flags)
		if err != nil {
			return 0, err
		}
		if got > 0 && !mem.Write(bufPtr, tmp[:got]) {
			return 0, status.New("read", status.OutOfBounds, "guest buffer write failed")
		}
		return int32(got), nil
	})
}

// Write copies up to count bytes from the guest buffer into the handle.
func (i *Imports) Write(ctx context.Context, mem Memory, handle int32, bufPtr, bufLen, count, flags uint32) int32 {
	return i.guard(NameWrite, func() (int32, error) {
		n, err := i.transferSize(mem, bufPtr, bufLen, count)
		if err != nil {
			return 0, err
		}
		data, err := i.readGuest(mem, bufPtr, n)
		if err != nil {
			return 0, err
		}
		got, err := i.fs.Write(handle, data, flags)
		if err != nil {
			return 0, err
		}
		return int32(got), nil
	})
}

// Publish sends a message through the coordinator.
func (i *Imports) Publish(ctx context.Context, mem Memory, topicPtr, topicLen, payloadPtr, payloadLen uint32) int32 {
	return i.guard(NamePublish, func() (int32, error) {
		if i.pub == nil {
			return 0, status.New("publish", status.Unsupported, "no coordinator link")
		}
		topic, err := i.readGuest(mem, topicPtr, topicLen)
		if err != nil {
			return 0, err
		}
		if len(topic) == 0 {
			return 0, status.New("publish", status.Malformed, "empty topic")
		}
		payload, err := i.readGuest(mem, payloadPtr, payloadLen)
		if err != nil {
			return 0, err
		}
		return 0, i.pub.Publish(ctx, string(topic), payload)
	})
}

// Log writes a guest message to the host logger.
func (i *Imports) Log(ctx context.Context, mem Memory, severity, topicPtr, topicLen, msgPtr, msgLen uint32) int32 {
	return i.guard(NameLog, func() (int32, error) {
		if severity > SeverityError {
			return 0, status.New("log", status.Unsupported, "severity %d", severity)
		}
		topic, err := i.readGuest(mem, topicPtr, topicLen)
		if err != nil {
			return 0, err
		}
		msg, err := i.readGuest(mem, msgPtr, msgLen)
		if err != nil {
			return 0, err
		}
		fields := []zap.Field{zap.ByteString("topic", topic)}
		switch severity {
		case SeverityDebug:
			i.guestLog.Debug(string(msg), fields...)
		case SeverityInfo:
			i.guestLog.Info(string(msg), fields...)
		case SeverityWarn:
			i.guestLog.Warn(string(msg), fields...)
		case SeverityError:
			i.guestLog.Error(string(msg), fields...)
		}
		return 0, nil
	})
}

// transferSize validates the guest buffer and returns how many bytes the
// call may move.
func (i *Imports) transferSize(mem Memory, bufPtr, bufLen, count uint32) (uint32, error) {
	if count > bufLen {
		return 0, status.New("transfer", status.OutOfBounds, "count %d exceeds buffer length %d", count, bufLen)
	}
	if err := checkBounds(mem, bufPtr, bufLen); err != nil {
		return 0, err
	}
	return min(count, i.maxTransfer), nil
}

// readGuest copies length bytes out of guest memory.
func (i *Imports) readGuest(mem Memory, ptr, length uint32) ([]byte, error) {
	if length > i.maxTransfer {
		return nil, status.New("copy", status.OutOfBounds, "length %d exceeds limit %d", length, i.maxTransfer)
	}
	if err := checkBounds(mem, ptr, length); err != nil {
		return nil, err
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, status.New("copy", status.OutOfBounds, "read %d@%d failed", length, ptr)
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

func checkBounds(mem Memory, ptr, length uint32) error {
	if mem == nil {
		return status.New("copy", status.OutOfBounds, "guest exports no memory")
	}
	if uint64(ptr)+uint64(length) > uint64(mem.Size()) {
		return status.New("copy", status.OutOfBounds, "range %d+%d exceeds memory size %d", ptr, length, mem.Size())
	}
	return nil
}

// guard runs one import call, turning errors and panics into a negative code.
func (i *Imports) guard(name string, fn func() (int32, error)) (rc int32) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("import panic", zap.String("import", name), zap.Any("panic", r))
			rc = int32(status.Internal)
		}
	}()
	v, err := fn()
	if err != nil {
		code := status.CodeOf(err)
		i.log.Debug("import failed", zap.String("import", name), zap.Stringer("code", code), zap.Error(err))
		return int32(code)
	}
	return v
}

// Instantiate registers the env host module on rt. Call it before
// instantiating a guest that imports from ModuleName.
func (i *Imports) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	i32 := api.ValueTypeI32
	b := rt.NewHostModuleBuilder(ModuleName)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(i.Open(ctx, memoryOf(m),
				api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3])))
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("name_ptr", "name_len", "mode", "flags").
		Export(NameOpen)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(i.Close(ctx, api.DecodeI32(stack[0])))
		}), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("handle").
		Export(NameClose)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(i.Read(ctx, memoryOf(m), api.DecodeI32(stack[0]),
				api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), api.DecodeU32(stack[4])))
		}), []api.ValueType{i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("handle", "buf_ptr", "buf_len", "count", "flags").
		Export(NameRead)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(i.Write(ctx, memoryOf(m), api.DecodeI32(stack[0]),
				api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), api.DecodeU32(stack[4])))
		}), []api.ValueType{i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("handle", "buf_ptr", "buf_len", "count", "flags").
		Export(NameWrite)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(i.Publish(ctx, memoryOf(m),
				api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3])))
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("topic_ptr", "topic_len", "payload_ptr", "payload_len").
		Export(NamePublish)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(i.Log(ctx, memoryOf(m), api.DecodeU32(stack[0]),
				api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), api.DecodeU32(stack[4])))
		}), []api.ValueType{i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("severity", "topic_ptr", "topic_len", "msg_ptr", "msg_len").
		Export(NameLog)

	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s host module: %w", ModuleName, err)
	}
	return mod, nil
}

// memoryOf keeps a missing guest memory a nil interface.
func memoryOf(m api.Module) Memory {
	if mem := m.Memory(); mem != nil {
		return mem
	}
	return nil
}
