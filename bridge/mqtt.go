package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MQTT bridges to an MQTT broker. Subscriptions are restored after every
// reconnect. All filters share the client's default publish handler, so a
// message matching several overlapping filters is handed inbound once.
type MQTT struct {
	client mqtt.Client
	cfg    MQTTConfig
	log    *zap.Logger

	mu      sync.Mutex
	filters map[string]struct{}
	inbound InboundFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMQTT creates an unconnected bridge.
func NewMQTT(cfg MQTTConfig, log *zap.Logger) *MQTT {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &MQTT{
		cfg:     cfg,
		log:     log.With(zap.String("broker", cfg.Broker)),
		filters: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(m.onConnect).
		SetDefaultPublishHandler(m.onMessage).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warn("broker connection lost", zap.Error(err))
		})
	m.client = mqtt.NewClient(opts)
	return m
}

// SetInbound sets the receiver for broker messages.
func (m *MQTT) SetInbound(fn InboundFunc) {
	m.mu.Lock()
	m.inbound = fn
	m.mu.Unlock()
}

// Connect dials the broker.
func (m *MQTT) Connect(ctx context.Context) error {
	if err := wait(ctx, m.client.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", m.cfg.Broker, err)
	}
	return nil
}

// Publish sends payload to topic at the configured QoS.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	return wait(ctx, m.client.Publish(topic, m.cfg.QoS, false, payload))
}

// Subscribe adds filter on the broker and remembers it for reconnects.
func (m *MQTT) Subscribe(ctx context.Context, filter string) error {
	m.mu.Lock()
	m.filters[filter] = struct{}{}
	m.mu.Unlock()
	if err := wait(ctx, m.client.Subscribe(filter, m.cfg.QoS, nil)); err != nil {
		m.mu.Lock()
		delete(m.filters, filter)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe removes filter from the broker.
func (m *MQTT) Unsubscribe(ctx context.Context, filter string) error {
	m.mu.Lock()
	delete(m.filters, filter)
	m.mu.Unlock()
	return wait(ctx, m.client.Unsubscribe(filter))
}

// Close disconnects and waits for in-flight deliveries.
func (m *MQTT) Close() error {
	m.cancel()
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.wg.Wait()
	return nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.mu.Lock()
	filters := make([]string, 0, len(m.filters))
	for f := range m.filters {
		filters = append(filters, f)
	}
	m.mu.Unlock()

	m.log.Info("broker connected", zap.Int("resubscribe", len(filters)))
	for _, f := range filters {
		if tok := c.Subscribe(f, m.cfg.QoS, nil); tok.WaitTimeout(m.cfg.ConnectTimeout) && tok.Error() != nil {
			m.log.Warn("resubscribe failed", zap.String("filter", f), zap.Error(tok.Error()))
		}
	}
}

// onMessage runs on the paho router goroutine, which must not block.
func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.mu.Lock()
	inbound := m.inbound
	m.mu.Unlock()
	if inbound == nil {
		return
	}
	select {
	case <-m.ctx.Done():
		return
	default:
	}
	t, payload := msg.Topic(), msg.Payload()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		inbound(m.ctx, t, payload)
	}()
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
