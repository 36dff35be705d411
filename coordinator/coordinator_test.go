package coordinator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/caffeineduck/twedge/ipc"
	"github.com/caffeineduck/twedge/status"
)

type published struct {
	topic   string
	payload string
}

type fakeBridge struct {
	mu        sync.Mutex
	published []published
	subs      []string
	unsubs    []string
	panicPub  bool
}

func (b *fakeBridge) Publish(_ context.Context, topic string, payload []byte) error {
	if b.panicPub {
		panic("broker client bug")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic, string(payload)})
	return nil
}

func (b *fakeBridge) Subscribe(_ context.Context, filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, filter)
	return nil
}

func (b *fakeBridge) Unsubscribe(_ context.Context, filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs, filter)
	return nil
}

func (b *fakeBridge) snapshot() (pubs []published, subs, unsubs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...), append([]string(nil), b.subs...), append([]string(nil), b.unsubs...)
}

type testAgent struct {
	peer     *ipc.Peer
	received chan ipc.ReceiveMqttMessage
	shutdown chan struct{}
	block    chan struct{}
}

func (a *testAgent) HandleRequest(ctx context.Context, _ *ipc.Peer, req ipc.Request) error {
	switch r := req.(type) {
	case ipc.ReceiveMqttMessage:
		if a.block != nil {
			select {
			case <-a.block:
			case <-ctx.Done():
			}
		}
		a.received <- r
	case ipc.Shutdown:
		close(a.shutdown)
	}
	return nil
}

func newCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeBridge) {
	t.Helper()
	br := &fakeBridge{}
	c := New(br, opts...)
	t.Cleanup(func() { c.Close() })
	return c, br
}

func connect(t *testing.T, c *Coordinator) *testAgent {
	t.Helper()
	return connectBlocking(t, c, nil)
}

// connectBlocking returns an agent whose deliveries wait for block.
func connectBlocking(t *testing.T, c *Coordinator, block chan struct{}) *testAgent {
	t.Helper()
	a, b := net.Pipe()
	c.Accept(b)
	agent := &testAgent{
		received: make(chan ipc.ReceiveMqttMessage, 16),
		shutdown: make(chan struct{}),
		block:    block,
	}
	agent.peer = ipc.NewPeer(a, agent)
	t.Cleanup(func() { agent.peer.Close() })
	return agent
}

func register(t *testing.T, c *Coordinator, name string, filters ...string) *testAgent {
	t.Helper()
	agent := connect(t, c)
	ctx := context.Background()
	require.NoError(t, agent.peer.Call(ctx, ipc.RegisterClient{Name: name}))
	for _, f := range filters {
		require.NoError(t, agent.peer.Call(ctx, ipc.Subscribe{Filter: f}))
	}
	return agent
}

func TestRegisterThenPublish(t *testing.T) {
	c, br := newCoordinator(t)
	agent := register(t, c, "agent-1")

	require.NoError(t, agent.peer.Call(context.Background(), ipc.PublishMqttMessage{Topic: "t/1", Payload: []byte("x")}))

	pubs, _, _ := br.snapshot()
	assert.Equal(t, []published{{"t/1", "x"}}, pubs)
}

func TestPublishRequiresRegistration(t *testing.T) {
	c, br := newCoordinator(t)
	agent := connect(t, c)

	err := agent.peer.Call(context.Background(), ipc.PublishMqttMessage{Topic: "t/1", Payload: []byte("x")})
	assert.Equal(t, status.Unsupported, status.CodeOf(err))
	pubs, _, _ := br.snapshot()
	assert.Empty(t, pubs)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c, _ := newCoordinator(t, WithLogger(zap.New(core)))
	first := register(t, c, "dup", "t/1")

	second := connect(t, c)
	for range 2 {
		err := second.peer.Call(context.Background(), ipc.RegisterClient{Name: "dup"})
		assert.Equal(t, status.Unsupported, status.CodeOf(err))
		assert.Contains(t, err.Error(), "client name in use")
	}
	assert.Equal(t, 2, logs.FilterMessage("duplicate registration rejected").Len())

	// the original registration is untouched
	clients := c.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "registered", clients[0].State)
	c.HandleInbound(context.Background(), "t/1", []byte("x"))
	assert.Len(t, first.received, 1)

	// same name on the same connection is an idempotent ack
	assert.NoError(t, first.peer.Call(context.Background(), ipc.RegisterClient{Name: "dup"}))
	err := first.peer.Call(context.Background(), ipc.RegisterClient{Name: "other"})
	assert.Equal(t, status.Unsupported, status.CodeOf(err))
}

func TestConcurrentRegistrationOneWinner(t *testing.T) {
	for round := range 50 {
		c, _ := newCoordinator(t)
		agents := []*testAgent{connect(t, c), connect(t, c)}

		start := make(chan struct{})
		errs := make([]error, len(agents))
		var wg sync.WaitGroup
		for i, a := range agents {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs[i] = a.peer.Call(context.Background(), ipc.RegisterClient{Name: "x"})
			}()
		}
		close(start)
		wg.Wait()

		var acked, rejected int
		for _, err := range errs {
			if err == nil {
				acked++
				continue
			}
			assert.Equal(t, status.Unsupported, status.CodeOf(err), "round %d", round)
			assert.Contains(t, err.Error(), "client name in use", "round %d", round)
			rejected++
		}
		require.Equal(t, 1, acked, "round %d: %v", round, errs)
		require.Equal(t, 1, rejected, "round %d", round)

		clients := c.Clients()
		require.Len(t, clients, 1, "round %d", round)
		assert.Equal(t, "x", clients[0].Name)
		assert.Equal(t, "registered", clients[0].State)
		c.Close()
	}
}

func TestRoutingMatchesFilters(t *testing.T) {
	c, br := newCoordinator(t)
	a := register(t, c, "a", "sensors/+/temp", "sensors/#")
	b := register(t, c, "b", "sensors/room1/temp")
	other := register(t, c, "c", "cmd/#")

	deliveries := c.HandleInbound(context.Background(), "sensors/room1/temp", []byte("21"))
	require.Len(t, deliveries, 2)
	assert.Equal(t, "a", deliveries[0].Client)
	assert.Equal(t, "b", deliveries[1].Client)
	for _, d := range deliveries {
		assert.NoError(t, d.Err)
	}

	assert.Len(t, a.received, 1, "overlapping filters deliver once")
	assert.Len(t, b.received, 1)
	assert.Len(t, other.received, 0)
	msg := <-b.received
	assert.Equal(t, "sensors/room1/temp", msg.Topic)
	assert.Equal(t, []byte("21"), msg.Payload)

	_, subs, _ := br.snapshot()
	assert.ElementsMatch(t, []string{"sensors/+/temp", "sensors/#", "sensors/room1/temp", "cmd/#"}, subs)
}

func TestBridgeSubscribedOncePerFilter(t *testing.T) {
	c, br := newCoordinator(t)
	a := register(t, c, "a", "t/#")
	register(t, c, "b", "t/#")

	_, subs, _ := br.snapshot()
	assert.Equal(t, []string{"t/#"}, subs)

	require.NoError(t, a.peer.Call(context.Background(), ipc.Unsubscribe{Filter: "t/#"}))
	_, _, unsubs := br.snapshot()
	assert.Empty(t, unsubs)
	assert.Equal(t, map[string][]string{"t/#": {"b"}}, c.Subscriptions())
}

func TestUnreachableClientDoesNotBlockOthers(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c, _ := newCoordinator(t, WithLogger(zap.New(core)), WithDeliveryTimeout(100*time.Millisecond))
	block := make(chan struct{})
	defer close(block)
	slow := connectBlocking(t, c, block)
	require.NoError(t, slow.peer.Call(context.Background(), ipc.RegisterClient{Name: "slow"}))
	require.NoError(t, slow.peer.Call(context.Background(), ipc.Subscribe{Filter: "t/1"}))
	fast := register(t, c, "fast", "t/1")

	deliveries := c.HandleInbound(context.Background(), "t/1", []byte("x"))
	require.Len(t, deliveries, 2)
	assert.Equal(t, "fast", deliveries[0].Client)
	assert.NoError(t, deliveries[0].Err)
	assert.Equal(t, "slow", deliveries[1].Client)
	assert.Equal(t, status.Unreachable, status.CodeOf(deliveries[1].Err))

	assert.Len(t, fast.received, 1)
	assert.Equal(t, 1, logs.FilterMessage("delivery dropped").Len())

	err := c.Deliver(context.Background(), "ghost", "t/1", nil)
	assert.Equal(t, status.Unreachable, status.CodeOf(err))
}

func TestDisconnectTearsDown(t *testing.T) {
	c, br := newCoordinator(t)
	gone := register(t, c, "gone", "only/mine", "shared")
	stay := register(t, c, "stay", "shared")

	gone.peer.Close()
	require.Eventually(t, func() bool {
		_, _, unsubs := br.snapshot()
		return len(unsubs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, unsubs := br.snapshot()
	assert.Equal(t, []string{"only/mine"}, unsubs)
	assert.Len(t, c.Clients(), 1)
	assert.Equal(t, map[string][]string{"shared": {"stay"}}, c.Subscriptions())

	deliveries := c.HandleInbound(context.Background(), "shared", []byte("x"))
	require.Len(t, deliveries, 1)
	assert.Equal(t, "stay", deliveries[0].Client)
	assert.Len(t, stay.received, 1)

	// the name is free again
	register(t, c, "gone")
}

func TestShutdownMovesToTerminating(t *testing.T) {
	c, _ := newCoordinator(t)
	agent := register(t, c, "a", "t/1")

	require.NoError(t, c.Shutdown(context.Background(), "a"))
	select {
	case <-agent.shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received Shutdown")
	}

	clients := c.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "terminating", clients[0].State)

	deliveries := c.HandleInbound(context.Background(), "t/1", []byte("x"))
	require.Len(t, deliveries, 1)
	assert.Equal(t, status.Unreachable, status.CodeOf(deliveries[0].Err))
	assert.Len(t, agent.received, 0)

	err := c.Shutdown(context.Background(), "a")
	assert.Equal(t, status.Unreachable, status.CodeOf(err))
	err = c.Shutdown(context.Background(), "nobody")
	assert.Equal(t, status.NotFound, status.CodeOf(err))

	err = agent.peer.Call(context.Background(), ipc.PublishMqttMessage{Topic: "t/2"})
	assert.Equal(t, status.Unsupported, status.CodeOf(err))
}

func TestBridgePanicContained(t *testing.T) {
	c, br := newCoordinator(t)
	br.panicPub = true
	agent := register(t, c, "a")

	err := agent.peer.Call(context.Background(), ipc.PublishMqttMessage{Topic: "t/1", Payload: []byte("x")})
	assert.Equal(t, status.Internal, status.CodeOf(err))

	// coordinator and the connection keep working
	assert.NoError(t, agent.peer.Call(context.Background(), ipc.Subscribe{Filter: "t/1"}))
	assert.Len(t, c.Clients(), 1)
}

func TestAgentOnlyMethodsRejected(t *testing.T) {
	c, _ := newCoordinator(t)
	agent := register(t, c, "a")

	err := agent.peer.Call(context.Background(), ipc.ReceiveMqttMessage{Topic: "t/1"})
	assert.Equal(t, status.Unsupported, status.CodeOf(err))
	err = agent.peer.Call(context.Background(), ipc.Shutdown{})
	assert.Equal(t, status.Unsupported, status.CodeOf(err))
}

func TestServeUnixSocket(t *testing.T) {
	c, br := newCoordinator(t)
	path := t.TempDir() + "/coord.sock"
	ln, err := ipc.Listen(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx, ln) }()

	conn, err := ipc.Dial(context.Background(), path)
	require.NoError(t, err)
	peer := ipc.NewPeer(conn, nil)
	defer peer.Close()

	require.NoError(t, peer.Call(context.Background(), ipc.RegisterClient{Name: "sock"}))
	require.NoError(t, peer.Call(context.Background(), ipc.PublishMqttMessage{Topic: "t/1", Payload: []byte("x")}))
	pubs, _, _ := br.snapshot()
	assert.Equal(t, []published{{"t/1", "x"}}, pubs)

	cancel()
	assert.NoError(t, <-served)
}
