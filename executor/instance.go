package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/caffeineduck/twedge/status"
)

// Guest exports the host calls.
const (
	ExportInit      = "tw_init"
	ExportAlloc     = "tw_alloc"
	ExportOnMessage = "tw_on_message"
	ExportShutdown  = "tw_shutdown"
)

var ErrInstanceClosed = errors.New("instance closed")

// Instance is one running guest. Exports are called one at a time, which
// keeps the guest single-threaded as its imports expect.
type Instance struct {
	module      api.Module
	stdout      *zapio.Writer
	stderr      *zapio.Writer
	log         *zap.Logger
	name        string
	digest      string
	callTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (i *Instance) Name() string   { return i.name }
func (i *Instance) Digest() string { return i.digest }

// HasExport reports whether the guest exports a function called name.
func (i *Instance) HasExport(name string) bool {
	return i.module.ExportedFunction(name) != nil
}

// Call invokes an exported function.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.call(ctx, name, params...)
}

// Init runs tw_init if the guest exports it.
func (i *Instance) Init(ctx context.Context) error {
	return i.callOptional(ctx, ExportInit)
}

// Shutdown runs tw_shutdown if the guest exports it.
func (i *Instance) Shutdown(ctx context.Context) error {
	return i.callOptional(ctx, ExportShutdown)
}

func (i *Instance) callOptional(ctx context.Context, name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrInstanceClosed
	}
	if i.module.ExportedFunction(name) == nil {
		return nil
	}
	_, err := i.call(ctx, name)
	return err
}

// Deliver hands an MQTT message to the guest: the host asks tw_alloc for
// len(topic)+len(payload) bytes, copies topic then payload there, and calls
// tw_on_message(topicPtr, topicLen, payloadPtr, payloadLen).
func (i *Instance) Deliver(ctx context.Context, topic string, payload []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return ErrInstanceClosed
	}
	if i.module.ExportedFunction(ExportAlloc) == nil || i.module.ExportedFunction(ExportOnMessage) == nil {
		return status.New("deliver", status.Unsupported, "%s does not export %s and %s", i.name, ExportAlloc, ExportOnMessage)
	}
	mem := i.module.Memory()
	if mem == nil {
		return status.New("deliver", status.Unsupported, "%s exports no memory", i.name)
	}

	total := uint64(len(topic)) + uint64(len(payload))
	if total > uint64(mem.Size()) {
		return status.New("deliver", status.OutOfBounds, "message of %d bytes exceeds guest memory", total)
	}
	res, err := i.call(ctx, ExportAlloc, api.EncodeU32(uint32(total)))
	if err != nil {
		return err
	}
	ptr := api.DecodeU32(res[0])
	topicLen := uint32(len(topic))
	if !mem.WriteString(ptr, topic) || !mem.Write(ptr+topicLen, payload) {
		return status.New("deliver", status.OutOfBounds, "%s returned unusable buffer %d", ExportAlloc, ptr)
	}
	_, err = i.call(ctx, ExportOnMessage,
		api.EncodeU32(ptr), api.EncodeU32(topicLen),
		api.EncodeU32(ptr+topicLen), api.EncodeU32(uint32(len(payload))))
	return err
}

func (i *Instance) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if i.closed {
		return nil, ErrInstanceClosed
	}
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, status.New("call", status.NotFound, "%s does not export %s", i.name, name)
	}
	if i.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.callTimeout)
		defer cancel()
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		if i.module.IsClosed() {
			i.closed = true
		}
		i.log.Warn("guest call failed", zap.String("export", name), zap.Error(err))
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return res, nil
}

// Closed reports whether the instance has been closed or terminated.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Close terminates the guest and flushes buffered output.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed && i.module.IsClosed() {
		return nil
	}
	i.closed = true
	err := i.module.Close(ctx)
	i.stdout.Close()
	i.stderr.Close()
	return err
}
