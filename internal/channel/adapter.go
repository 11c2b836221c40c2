package channel

import "errors"

// ErrMalformedPayload indicates a webhook body that could not be parsed at
// all. The caller acknowledges the request so the platform does not retry it.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// ErrUnsupportedMessageType indicates a renderer was asked for a message type
// outside its capability set.
var ErrUnsupportedMessageType = errors.New("unsupported message type")

// Adapter is the base interface every platform adapter must implement.
// Behavior is expressed through the optional capability interfaces below.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Parser turns a raw webhook body into zero or more canonical events.
// A single call may carry several entries; the parser flattens all of them and
// skips sub-events it does not recognize instead of failing the batch.
type Parser interface {
	Parse(account Account, body []byte) ([]InboundEvent, error)
}

// Renderer maps a canonical outbound message into the platform's send-API
// payload. Unsupported message types degrade to a plain-text fallback.
type Renderer interface {
	Render(account Account, msg OutboundMessage) (SendPayload, error)
}

// SignatureVerifier authenticates a raw webhook body against the platform's
// signature header. It reports false on any malformed input, never an error.
type SignatureVerifier interface {
	VerifySignature(secret string, body []byte, header string) bool
}
