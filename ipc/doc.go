// Package ipc is the request/response link between host agents and the
// coordinator.
//
// Frames are a 4-byte big-endian length followed by a CBOR [Envelope] with
// integer keys. Requests carry a correlation id that the matching response
// echoes. The payload of a request is one of a closed set of types
// ([RegisterClient], [PublishMqttMessage], [Subscribe], [Unsubscribe],
// [Shutdown], [ReceiveMqttMessage]); handlers switch on them exhaustively.
//
// A [Peer] is symmetric: either end can call the other over the same
// connection. Failures reach the caller as *status.Error values, with
// Unreachable for a closed or timed-out peer.
package ipc
