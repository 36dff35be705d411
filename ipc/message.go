package ipc

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/topic"
)

// Kind distinguishes requests from responses on the wire.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
)

// Method names an RPC.
type Method string

const (
	MethodRegisterClient     Method = "RegisterClient"
	MethodPublishMqttMessage Method = "PublishMqttMessage"
	MethodSubscribe          Method = "Subscribe"
	MethodUnsubscribe        Method = "Unsubscribe"
	MethodShutdown           Method = "Shutdown"
	MethodReceiveMqttMessage Method = "ReceiveMqttMessage"
)

// Envelope is the frame body for both directions.
type Envelope struct {
	Kind          Kind            `cbor:"1,keyasint"`
	CorrelationID uint64          `cbor:"2,keyasint"`
	Method        Method          `cbor:"3,keyasint,omitempty"`
	Payload       cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Code          status.Code     `cbor:"5,keyasint,omitempty"`
	Error         string          `cbor:"6,keyasint,omitempty"`
}

// Request is the closed set of RPC payloads.
type Request interface {
	Method() Method
	validate() error
}

// RegisterClient binds a connection to a unique client name.
type RegisterClient struct {
	Name string `cbor:"1,keyasint"`
}

// PublishMqttMessage asks the coordinator to publish to the broker.
type PublishMqttMessage struct {
	Topic   string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// Subscribe adds a topic filter for the calling client.
type Subscribe struct {
	Filter string `cbor:"1,keyasint"`
}

// Unsubscribe removes a topic filter for the calling client.
type Unsubscribe struct {
	Filter string `cbor:"1,keyasint"`
}

// Shutdown advises a host agent to stop.
type Shutdown struct{}

// ReceiveMqttMessage delivers a broker message to a host agent.
type ReceiveMqttMessage struct {
	Topic   string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

func (RegisterClient) Method() Method     { return MethodRegisterClient }
func (PublishMqttMessage) Method() Method { return MethodPublishMqttMessage }
func (Subscribe) Method() Method          { return MethodSubscribe }
func (Unsubscribe) Method() Method        { return MethodUnsubscribe }
func (Shutdown) Method() Method           { return MethodShutdown }
func (ReceiveMqttMessage) Method() Method { return MethodReceiveMqttMessage }

func (r RegisterClient) validate() error {
	if r.Name == "" {
		return status.New("decode", status.Malformed, "empty client name")
	}
	return nil
}

func (r PublishMqttMessage) validate() error {
	if err := topic.ValidateName(r.Topic); err != nil {
		return status.Wrap("decode", status.Malformed, err)
	}
	return nil
}

func (r Subscribe) validate() error {
	if err := topic.ValidateFilter(r.Filter); err != nil {
		return status.Wrap("decode", status.Malformed, err)
	}
	return nil
}

func (r Unsubscribe) validate() error {
	if err := topic.ValidateFilter(r.Filter); err != nil {
		return status.Wrap("decode", status.Malformed, err)
	}
	return nil
}

func (Shutdown) validate() error { return nil }

func (r ReceiveMqttMessage) validate() error {
	if err := topic.ValidateName(r.Topic); err != nil {
		return status.Wrap("decode", status.Malformed, err)
	}
	return nil
}

// EncodeRequest builds the frame body for req.
func EncodeRequest(id uint64, req Request) ([]byte, error) {
	payload, err := Marshal(req)
	if err != nil {
		return nil, status.Wrap("encode", status.Malformed, err)
	}
	return Marshal(Envelope{
		Kind:          KindRequest,
		CorrelationID: id,
		Method:        req.Method(),
		Payload:       payload,
	})
}

// EncodeResponse builds the response frame body for a request. A nil err is
// success.
func EncodeResponse(id uint64, method Method, err error) ([]byte, error) {
	env := Envelope{Kind: KindResponse, CorrelationID: id, Method: method}
	if err != nil {
		env.Code = status.CodeOf(err)
		env.Error = err.Error()
	}
	return Marshal(env)
}

// DecodeEnvelope parses a frame body.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return Envelope{}, status.Wrap("decode", status.Malformed, err)
	}
	if env.Kind != KindRequest && env.Kind != KindResponse {
		return Envelope{}, status.New("decode", status.Malformed, "unknown frame kind %d", env.Kind)
	}
	return env, nil
}

// DecodeRequest turns a request envelope into its typed payload. Unknown
// methods are NotFound; undecodable or invalid payloads are Malformed.
func DecodeRequest(env Envelope) (Request, error) {
	var req Request
	switch env.Method {
	case MethodRegisterClient:
		req = &RegisterClient{}
	case MethodPublishMqttMessage:
		req = &PublishMqttMessage{}
	case MethodSubscribe:
		req = &Subscribe{}
	case MethodUnsubscribe:
		req = &Unsubscribe{}
	case MethodShutdown:
		req = &Shutdown{}
	case MethodReceiveMqttMessage:
		req = &ReceiveMqttMessage{}
	default:
		return nil, status.New("decode", status.NotFound, "unknown method %q", env.Method)
	}
	if len(env.Payload) > 0 {
		if err := Unmarshal(env.Payload, req); err != nil {
			return nil, status.Wrap("decode "+string(env.Method), status.Malformed, err)
		}
	}
	req = deref(req)
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// deref returns the value form so handlers switch on value types.
func deref(r Request) Request {
	switch v := r.(type) {
	case *RegisterClient:
		return *v
	case *PublishMqttMessage:
		return *v
	case *Subscribe:
		return *v
	case *Unsubscribe:
		return *v
	case *Shutdown:
		return *v
	case *ReceiveMqttMessage:
		return *v
	}
	return r
}
