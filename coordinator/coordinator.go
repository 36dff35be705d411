package coordinator

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/ipc"
	"github.com/caffeineduck/twedge/status"
)

// DefaultDeliveryTimeout bounds one ReceiveMqttMessage call to an agent.
const DefaultDeliveryTimeout = 5 * time.Second

// Bridge is the broker side of the coordinator.
type Bridge interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, filter string) error
	Unsubscribe(ctx context.Context, filter string) error
}

// Delivery is the outcome of routing one message to one client.
type Delivery struct {
	Client string `json:"client"`
	Err    error  `json:"-"`
}

// Coordinator routes messages between host agents and the broker bridge.
type Coordinator struct {
	bridge          Bridge
	log             *zap.Logger
	subs            *Subscriptions
	deliveryTimeout time.Duration
	bridgeTimeout   time.Duration

	mu      sync.Mutex
	clients map[string]*connection
	conns   map[uuid.UUID]*connection
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithDeliveryTimeout overrides DefaultDeliveryTimeout.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.deliveryTimeout = d
	}
}

// New creates a coordinator publishing through bridge.
func New(bridge Bridge, opts ...Option) *Coordinator {
	c := &Coordinator{
		bridge:          bridge,
		log:             zap.NewNop(),
		subs:            NewSubscriptions(),
		deliveryTimeout: DefaultDeliveryTimeout,
		bridgeTimeout:   10 * time.Second,
		clients:         make(map[string]*connection),
		conns:           make(map[uuid.UUID]*connection),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve accepts agent connections until ctx is done or ln fails.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c.Accept(conn)
	}
}

// Accept starts serving one agent connection and returns its id.
func (c *Coordinator) Accept(conn io.ReadWriteCloser) uuid.UUID {
	cn := &connection{
		id:          uuid.New(),
		connectedAt: time.Now(),
	}
	log := c.log.With(zap.String("conn", cn.id.String()))
	cn.peer = ipc.NewPeer(conn, ipc.HandlerFunc(func(ctx context.Context, _ *ipc.Peer, req ipc.Request) error {
		return c.handle(ctx, cn, req)
	}), ipc.WithLogger(log), ipc.WithID(cn.id.String()))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.peer.Close()
		return cn.id
	}
	c.conns[cn.id] = cn
	c.wg.Add(1)
	c.mu.Unlock()

	log.Debug("agent connected")
	go func() {
		defer c.wg.Done()
		<-cn.peer.Done()
		c.teardown(cn)
	}()
	return cn.id
}

func (c *Coordinator) handle(ctx context.Context, cn *connection, req ipc.Request) error {
	switch r := req.(type) {
	case ipc.RegisterClient:
		return c.register(cn, r.Name)
	case ipc.PublishMqttMessage:
		if _, err := c.requireRegistered(cn, "publish"); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, c.bridgeTimeout)
		defer cancel()
		if err := c.bridge.Publish(ctx, r.Topic, r.Payload); err != nil {
			return status.Wrap("publish", status.Unreachable, err)
		}
		return nil
	case ipc.Subscribe:
		name, err := c.requireRegistered(cn, "subscribe")
		if err != nil {
			return err
		}
		return c.subscribe(ctx, name, r.Filter)
	case ipc.Unsubscribe:
		name, err := c.requireRegistered(cn, "unsubscribe")
		if err != nil {
			return err
		}
		return c.unsubscribe(ctx, name, r.Filter)
	case ipc.Shutdown, ipc.ReceiveMqttMessage:
		return status.New("handle", status.Unsupported, "%s is served by agents", req.Method())
	default:
		return status.New("handle", status.Unsupported, "unhandled request %T", req)
	}
}

func (c *Coordinator) register(cn *connection, name string) error {
	cn.opMu.Lock()
	defer cn.opMu.Unlock()

	switch cn.state {
	case StateRegistered:
		if cn.name == name {
			return nil
		}
		return status.New("register", status.Unsupported, "connection already registered as %q", cn.name)
	case StateTerminating, StateClosed:
		return status.New("register", status.Unreachable, "connection is %s", cn.state)
	}

	c.mu.Lock()
	if _, taken := c.clients[name]; taken {
		c.mu.Unlock()
		c.log.Warn("duplicate registration rejected", zap.String("client", name), zap.String("conn", cn.id.String()))
		return status.New("register", status.Unsupported, "client name in use: %q", name)
	}
	c.clients[name] = cn
	c.mu.Unlock()

	cn.state = StateRegistered
	cn.name = name
	c.log.Info("client registered", zap.String("client", name), zap.String("conn", cn.id.String()))
	return nil
}

func (c *Coordinator) requireRegistered(cn *connection, op string) (string, error) {
	state, name := cn.snapshot()
	if state != StateRegistered {
		return "", status.New(op, status.Unsupported, "connection is %s", state)
	}
	return name, nil
}

func (c *Coordinator) subscribe(ctx context.Context, client, filter string) error {
	if !c.subs.Add(client, filter) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.bridgeTimeout)
	defer cancel()
	if err := c.bridge.Subscribe(ctx, filter); err != nil {
		c.subs.Remove(client, filter)
		return status.Wrap("subscribe", status.Unreachable, err)
	}
	c.log.Debug("subscribed", zap.String("client", client), zap.String("filter", filter))
	return nil
}

func (c *Coordinator) unsubscribe(ctx context.Context, client, filter string) error {
	if !c.subs.Remove(client, filter) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.bridgeTimeout)
	defer cancel()
	if err := c.bridge.Unsubscribe(ctx, filter); err != nil {
		c.log.Warn("bridge unsubscribe failed", zap.String("filter", filter), zap.Error(err))
	}
	return nil
}

// teardown runs once the connection's peer is gone.
func (c *Coordinator) teardown(cn *connection) {
	cn.opMu.Lock()
	prev := cn.state
	cn.state = StateClosed
	name := cn.name
	cn.opMu.Unlock()

	c.mu.Lock()
	delete(c.conns, cn.id)
	if prev == StateRegistered || prev == StateTerminating {
		if c.clients[name] == cn {
			delete(c.clients, name)
		}
	}
	c.mu.Unlock()

	if name == "" {
		c.log.Debug("agent disconnected", zap.String("conn", cn.id.String()))
		return
	}
	emptied := c.subs.RemoveClient(name)
	ctx, cancel := context.WithTimeout(context.Background(), c.bridgeTimeout)
	defer cancel()
	for _, filter := range emptied {
		if err := c.bridge.Unsubscribe(ctx, filter); err != nil {
			c.log.Warn("bridge unsubscribe failed", zap.String("filter", filter), zap.Error(err))
		}
	}
	c.log.Info("client removed", zap.String("client", name), zap.Stringer("was", prev))
}

// HandleInbound routes a broker message to every subscribed client at most
// once. Unreachable clients are logged and skipped; nothing is retried.
func (c *Coordinator) HandleInbound(ctx context.Context, topic string, payload []byte) []Delivery {
	names := c.subs.Match(topic)
	if len(names) == 0 {
		c.log.Debug("no subscribers", zap.String("topic", topic))
		return nil
	}

	out := make([]Delivery, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		out[i].Client = name
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i].Err = c.Deliver(ctx, name, topic, payload)
		}()
	}
	wg.Wait()

	for _, d := range out {
		if d.Err != nil {
			c.log.Warn("delivery dropped",
				zap.String("client", d.Client),
				zap.String("topic", topic),
				zap.Stringer("code", status.CodeOf(d.Err)),
				zap.Error(d.Err))
		}
	}
	return out
}

// Deliver sends one message to one registered client.
func (c *Coordinator) Deliver(ctx context.Context, client, topic string, payload []byte) error {
	cn, ok := c.lookup(client)
	if !ok {
		return status.New("deliver", status.Unreachable, "client %q not registered", client)
	}
	ctx, cancel := context.WithTimeout(ctx, c.deliveryTimeout)
	defer cancel()
	return cn.call(ctx, ipc.ReceiveMqttMessage{Topic: topic, Payload: payload}, StateRegistered)
}

// Shutdown advises a client to stop. The client moves to Terminating and
// receives no further deliveries.
func (c *Coordinator) Shutdown(ctx context.Context, client string) error {
	cn, ok := c.lookup(client)
	if !ok {
		return status.New("shutdown", status.NotFound, "client %q not registered", client)
	}

	cn.opMu.Lock()
	if cn.state != StateRegistered {
		state := cn.state
		cn.opMu.Unlock()
		return status.New("shutdown", status.Unreachable, "client %q is %s", client, state)
	}
	cn.state = StateTerminating
	call, err := cn.peer.Send(ipc.Shutdown{})
	cn.opMu.Unlock()
	if err != nil {
		return err
	}
	c.log.Info("shutdown requested", zap.String("client", client))
	return call.Wait(ctx)
}

func (c *Coordinator) lookup(client string) (*connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.clients[client]
	return cn, ok
}

// Clients lists registered clients sorted by name.
func (c *Coordinator) Clients() []ClientInfo {
	c.mu.Lock()
	conns := make([]*connection, 0, len(c.clients))
	for _, cn := range c.clients {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	out := make([]ClientInfo, 0, len(conns))
	for _, cn := range conns {
		state, name := cn.snapshot()
		out = append(out, ClientInfo{
			Name:          name,
			ConnectionID:  cn.id.String(),
			State:         state.String(),
			ConnectedAt:   cn.connectedAt,
			Subscriptions: c.subs.Filters(name),
		})
	}
	slices.SortFunc(out, func(a, b ClientInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Subscriptions returns the subscription table as filter -> clients.
func (c *Coordinator) Subscriptions() map[string][]string {
	return c.subs.Snapshot()
}

// Connections reports the number of open agent connections.
func (c *Coordinator) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close drops every connection and waits for teardown.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	conns := make([]*connection, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	for _, cn := range conns {
		cn.peer.Close()
	}
	c.wg.Wait()
	return nil
}
