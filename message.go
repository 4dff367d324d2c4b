package unison

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// MsgType is a ProtocolMessage's msg_type (spec.md §3).
type MsgType string

const (
	MsgRequest  MsgType = "Request"
	MsgResponse MsgType = "Response"
	MsgEvent    MsgType = "Event"
	MsgError    MsgType = "Error"
)

// Reserved method prefixes/names (spec.md §6).
const (
	MethodIdentity      = "__identity"
	channelMethodPrefix = "__channel:"
)

// ChannelOpenMethod returns the reserved method name used to open the
// named channel.
func ChannelOpenMethod(name string) string { return channelMethodPrefix + name }

// ChannelNameFromMethod strips the __channel: prefix, returning the
// channel name and whether method carried that prefix at all.
func ChannelNameFromMethod(method string) (string, bool) {
	if !strings.HasPrefix(method, channelMethodPrefix) {
		return "", false
	}
	return strings.TrimPrefix(method, channelMethodPrefix), true
}

// ProtocolMessage is the application-level message carried inside a
// Protocol frame's UnisonPacket payload (spec.md §3).
type ProtocolMessage struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Type    MsgType         `json:"msg_type"`
	Payload json.RawMessage `json:"payload"`
}

// Validate enforces the correlation table and method-length limit from
// spec.md §3.
func (m *ProtocolMessage) Validate() error {
	if len(m.Method) > MaxMethodLength {
		return errors.Wrap(ErrBadFrame, "unison: method exceeds 256 bytes")
	}
	switch m.Type {
	case MsgRequest:
		if m.ID == 0 {
			return errors.Wrap(ErrBadFrame, "unison: Request must carry a non-zero id")
		}
	case MsgResponse:
		if m.ID == 0 {
			return errors.Wrap(ErrBadFrame, "unison: Response must carry a non-zero id")
		}
	case MsgEvent:
		// id == 0 permitted for Events.
	case MsgError:
		// response_to carried out-of-band by the caller; nothing to
		// validate on the message alone.
	default:
		return errors.Wrapf(ErrBadFrame, "unison: unknown msg_type %q", m.Type)
	}
	return nil
}

// MarshalPayload encodes v as the message's JSON payload.
func MarshalPayload(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Into projects a ProtocolMessage's JSON payload into T. It is the
// core's one concession to typed callers: generated bindings built on
// top of this payload-agnostic core use Into to turn the caller's
// expected shape into a concrete value, surfacing any mismatch as a
// SerializationError (spec.md Design Notes, "Polymorphism over payload
// types").
func Into[T any](msg *ProtocolMessage) (T, error) {
	var out T
	if msg == nil || len(msg.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, &SerializationError{Method: msg.Method, Err: err}
	}
	return out, nil
}

// newEvent builds an unsolicited Event message (id == 0 permitted).
func newEvent(method string, payload json.RawMessage) *ProtocolMessage {
	return &ProtocolMessage{Method: method, Type: MsgEvent, Payload: payload}
}

// newRequest builds a Request message.
func newRequest(id uint64, method string, payload json.RawMessage) *ProtocolMessage {
	return &ProtocolMessage{ID: id, Method: method, Type: MsgRequest, Payload: payload}
}

// newResponse builds a Response message answering requestID.
func newResponse(id uint64, method string, payload json.RawMessage) *ProtocolMessage {
	return &ProtocolMessage{ID: id, Method: method, Type: MsgResponse, Payload: payload}
}

// newErrorMessage builds an Error message, optionally answering a Request.
func newErrorMessage(id uint64, method string, payload json.RawMessage) *ProtocolMessage {
	return &ProtocolMessage{ID: id, Method: method, Type: MsgError, Payload: payload}
}

// encodeProtocolMessage serializes msg to JSON bytes for a Protocol
// frame's UnisonPacket payload.
func encodeProtocolMessage(msg *ProtocolMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// decodeProtocolMessage parses a Protocol frame's UnisonPacket payload
// back into a ProtocolMessage.
func decodeProtocolMessage(data []byte) (*ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "unison: decoding ProtocolMessage")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
