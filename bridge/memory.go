package bridge

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/topic"
)

// Memory is an in-process broker. Published messages are recorded and, when
// loopback is on, handed back to the inbound func if a subscribed filter
// matches, as a real broker would.
type Memory struct {
	log      *zap.Logger
	loopback bool

	mu        sync.Mutex
	inbound   InboundFunc
	filters   map[string]struct{}
	published []Message
	wg        sync.WaitGroup
}

// MemoryOption configures a Memory bridge.
type MemoryOption func(*Memory)

// WithLoopback routes published messages back through subscriptions.
func WithLoopback() MemoryOption {
	return func(m *Memory) {
		m.loopback = true
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *zap.Logger) MemoryOption {
	return func(m *Memory) {
		m.log = l
	}
}

// NewMemory creates an empty in-process broker.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{log: zap.NewNop(), filters: make(map[string]struct{})}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetInbound sets the receiver for broker messages.
func (m *Memory) SetInbound(fn InboundFunc) {
	m.mu.Lock()
	m.inbound = fn
	m.mu.Unlock()
}

// Publish records a copy of the message and, with loopback enabled, hands
// it inbound when a subscribed filter matches.
func (m *Memory) Publish(ctx context.Context, t string, payload []byte) error {
	msg := Message{Topic: t, Payload: append([]byte(nil), payload...)}
	m.mu.Lock()
	m.published = append(m.published, msg)
	loop := m.loopback && m.matchesLocked(t)
	inbound := m.inbound
	if loop && inbound != nil {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.log.Debug("publish", zap.String("topic", t), zap.Int("bytes", len(payload)))
	if loop && inbound != nil {
		// The publisher's RPC must not wait on its own delivery.
		go func() {
			defer m.wg.Done()
			inbound(context.Background(), msg.Topic, msg.Payload)
		}()
	}
	return nil
}

// Subscribe records filter.
func (m *Memory) Subscribe(ctx context.Context, filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[filter] = struct{}{}
	return nil
}

// Unsubscribe forgets filter.
func (m *Memory) Unsubscribe(ctx context.Context, filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.filters, filter)
	return nil
}

// Inject simulates a broker message arriving on a subscribed topic. It is
// delivered synchronously and only if a subscription matches.
func (m *Memory) Inject(ctx context.Context, t string, payload []byte) bool {
	m.mu.Lock()
	ok := m.matchesLocked(t)
	inbound := m.inbound
	m.mu.Unlock()
	if !ok || inbound == nil {
		return false
	}
	inbound(ctx, t, payload)
	return true
}

// Published returns the messages published so far.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.published)
}

// Filters returns the current broker subscriptions, sorted.
func (m *Memory) Filters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.filters))
	for f := range m.filters {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Close waits for in-flight loopback deliveries.
func (m *Memory) Close() error {
	m.wg.Wait()
	return nil
}

func (m *Memory) matchesLocked(t string) bool {
	for f := range m.filters {
		if topic.Match(f, t) {
			return true
		}
	}
	return false
}
