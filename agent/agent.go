package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/device"
	"github.com/caffeineduck/twedge/hostfunc"
	"github.com/caffeineduck/twedge/ipc"
	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/vfs"
)

// DefaultRPCTimeout bounds each request the agent sends to the coordinator.
const DefaultRPCTimeout = 5 * time.Second

var (
	ErrNotConnected     = errors.New("agent not connected")
	ErrAlreadyConnected = errors.New("agent already connected")
)

// Guest is the firmware instance driven by the agent. *executor.Instance
// implements it.
type Guest interface {
	Init(ctx context.Context) error
	Deliver(ctx context.Context, topic string, payload []byte) error
	Shutdown(ctx context.Context) error
	Close(ctx context.Context) error
}

// Agent is the host side of one sandbox.
type Agent struct {
	name       string
	log        *zap.Logger
	fs         *vfs.VFS
	imports    *hostfunc.Imports
	filters    []string
	extra      []vfs.Provider
	rpcTimeout time.Duration
	maxXfer    uint32
	maxHandles int

	mu   sync.Mutex
	peer *ipc.Peer

	// guestMu serialises guest exports.
	guestMu sync.Mutex
	guest   Guest

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger. Firmware log lines go to its "firmware" child.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.log = l
	}
}

// WithSubscriptions subscribes to filters right after registration.
func WithSubscriptions(filters ...string) Option {
	return func(a *Agent) {
		a.filters = append(a.filters, filters...)
	}
}

// WithProvider registers p after the built-in devices.
func WithProvider(p vfs.Provider) Option {
	return func(a *Agent) {
		a.extra = append(a.extra, p)
	}
}

// WithRPCTimeout overrides DefaultRPCTimeout for calls to the coordinator.
func WithRPCTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.rpcTimeout = d
	}
}

// WithMaxTransfer caps a single tw_read/tw_write copy.
func WithMaxTransfer(n uint32) Option {
	return func(a *Agent) {
		a.maxXfer = n
	}
}

// WithMaxHandles caps the handles the guest may hold open at once.
func WithMaxHandles(n int) Option {
	return func(a *Agent) {
		a.maxHandles = n
	}
}

// New creates an agent registering as name. The VFS gets /dev/clock,
// /dev/random, /dev/log and /dev/mqtt_subscribe, then any WithProvider
// providers in order.
func New(name string, opts ...Option) *Agent {
	a := &Agent{
		name:       name,
		log:        zap.NewNop(),
		rpcTimeout: DefaultRPCTimeout,
		maxXfer:    hostfunc.DefaultMaxTransfer,
		maxHandles: vfs.DefaultMaxHandles,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(zap.String("client", name))

	a.fs = vfs.New(vfs.WithLogger(a.log), vfs.WithMaxHandles(a.maxHandles))
	a.fs.RegisterProvider(device.NewClock())
	a.fs.RegisterProvider(device.NewRandom())
	a.fs.RegisterProvider(device.NewLogSink(a.log.Named("firmware")))
	a.fs.RegisterProvider(device.NewSubscribeSink(a, a.rpcTimeout))
	for _, p := range a.extra {
		a.fs.RegisterProvider(p)
	}

	a.imports = hostfunc.New(a.fs, a,
		hostfunc.WithLogger(a.log),
		hostfunc.WithMaxTransfer(a.maxXfer),
	)
	return a
}

func (a *Agent) Name() string { return a.name }

// VFS returns the file system the guest sees.
func (a *Agent) VFS() *vfs.VFS { return a.fs }

// Imports returns the guest import surface to link into the executor.
func (a *Agent) Imports() *hostfunc.Imports { return a.imports }

// Attach sets the guest that receives messages. It must be called before
// Run.
func (a *Agent) Attach(g Guest) {
	a.guestMu.Lock()
	a.guest = g
	a.guestMu.Unlock()
}

// Connect starts the IPC peer on conn, registers, subscribes to the
// configured filters. On failure conn is closed.
func (a *Agent) Connect(ctx context.Context, conn io.ReadWriteCloser) error {
	a.mu.Lock()
	if a.peer != nil {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	peer := ipc.NewPeer(conn, ipc.HandlerFunc(a.handle), ipc.WithLogger(a.log), ipc.WithID(a.name))
	a.peer = peer
	a.mu.Unlock()

	if err := a.call(ctx, ipc.RegisterClient{Name: a.name}); err != nil {
		a.disconnect()
		return fmt.Errorf("register %q: %w", a.name, err)
	}
	a.log.Info("registered")

	for _, f := range a.filters {
		if err := a.Subscribe(ctx, f); err != nil {
			a.disconnect()
			return fmt.Errorf("subscribe %q: %w", f, err)
		}
	}
	return nil
}

func (a *Agent) disconnect() {
	a.mu.Lock()
	peer := a.peer
	a.peer = nil
	a.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
}

func (a *Agent) currentPeer() *ipc.Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peer
}

func (a *Agent) call(ctx context.Context, req ipc.Request) error {
	peer := a.currentPeer()
	if peer == nil {
		return status.Wrap("rpc "+string(req.Method()), status.Unreachable, ErrNotConnected)
	}
	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()
	return peer.Call(ctx, req)
}

// Publish sends a message to the coordinator for the broker.
func (a *Agent) Publish(ctx context.Context, topic string, payload []byte) error {
	return a.call(ctx, ipc.PublishMqttMessage{Topic: topic, Payload: payload})
}

// Subscribe adds a subscription for this client.
func (a *Agent) Subscribe(ctx context.Context, filter string) error {
	if err := a.call(ctx, ipc.Subscribe{Filter: filter}); err != nil {
		return err
	}
	a.log.Debug("subscribed", zap.String("filter", filter))
	return nil
}

// Unsubscribe drops a filter held by this agent.
func (a *Agent) Unsubscribe(ctx context.Context, filter string) error {
	return a.call(ctx, ipc.Unsubscribe{Filter: filter})
}

func (a *Agent) handle(ctx context.Context, _ *ipc.Peer, req ipc.Request) error {
	switch r := req.(type) {
	case ipc.ReceiveMqttMessage:
		return a.deliver(ctx, r.Topic, r.Payload)
	case ipc.Shutdown:
		a.log.Info("shutdown requested")
		a.requestStop()
		return nil
	default:
		return status.New("agent", status.Unsupported, "method %s not served by agents", req.Method())
	}
}

func (a *Agent) deliver(ctx context.Context, topic string, payload []byte) error {
	a.guestMu.Lock()
	defer a.guestMu.Unlock()
	if a.guest == nil {
		return status.New("deliver", status.Unreachable, "no firmware attached")
	}
	if err := a.guest.Deliver(ctx, topic, payload); err != nil {
		a.log.Warn("delivery failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	return nil
}

func (a *Agent) requestStop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Run initialises the guest and serves until ctx is done, the coordinator
// requests shutdown or the link drops. The guest is then shut down and
// released. A dropped link is reported as an Unreachable error.
func (a *Agent) Run(ctx context.Context) error {
	peer := a.currentPeer()
	if peer == nil {
		return ErrNotConnected
	}

	a.guestMu.Lock()
	var initErr error
	if a.guest != nil {
		initErr = a.guest.Init(ctx)
	}
	a.guestMu.Unlock()
	if initErr != nil {
		a.Close()
		return fmt.Errorf("init firmware: %w", initErr)
	}
	a.log.Info("running")

	var err error
	select {
	case <-ctx.Done():
	case <-a.stop:
	case <-peer.Done():
		if perr := peer.Err(); perr != nil {
			err = status.Wrap("agent", status.Unreachable, perr)
		} else {
			err = status.New("agent", status.Unreachable, "coordinator closed the connection")
		}
	}
	a.stopGuest()
	a.Close()
	return err
}

func (a *Agent) stopGuest() {
	a.guestMu.Lock()
	defer a.guestMu.Unlock()
	if a.guest == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.rpcTimeout)
	defer cancel()
	if err := a.guest.Shutdown(ctx); err != nil {
		a.log.Warn("firmware shutdown", zap.Error(err))
	}
	if err := a.guest.Close(ctx); err != nil {
		a.log.Warn("firmware close", zap.Error(err))
	}
	a.guest = nil
}

// Close drops the coordinator link and releases open handles. It does not
// run the guest's shutdown export.
func (a *Agent) Close() error {
	a.requestStop()
	a.disconnect()
	return a.fs.CloseAll()
}
