// Package bridge connects the coordinator to a message broker.
//
// A bridge publishes what agents send, keeps broker subscriptions for the
// filters the coordinator asks for, and hands every message received from
// the broker to an [InboundFunc] exactly once.
package bridge

import "context"

// InboundFunc receives broker messages, normally Coordinator.HandleInbound.
type InboundFunc func(ctx context.Context, topic string, payload []byte)

// Message is a published or received broker message.
type Message struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}
