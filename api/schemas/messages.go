package schemas

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is the codec used for every control-channel frame. jsoniter keeps the
// per-message overhead low on busy connections while staying drop-in compatible
// with encoding/json semantics.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// -- Inbound message types (client -> session) --

const (
	MsgSubmitPhone         = "submit_phone"
	MsgSubmitCode          = "submit_code"
	MsgSubmitPassword      = "submit_password"
	MsgUserReturnedToPhone = "user_returned_to_phone"
	MsgPing                = "ping"
)

// -- Outbound message types (session -> client) --

const (
	MsgConnected          = "connected"
	MsgBrowserReady       = "browser_ready"
	MsgPhoneProcessing    = "phone_processing"
	MsgCodeRequested      = "code_requested"
	MsgPhoneError         = "phone_error"
	MsgCodeProcessing     = "code_processing"
	MsgVerificationOK     = "verification_success"
	MsgVerificationFailed = "verification_failed"
	MsgPasswordRequired   = "password_required"
	MsgPasswordProcessing = "password_processing"
	MsgPasswordSuccess    = "password_success"
	MsgPasswordFailed     = "password_failed"
	MsgStateReset         = "state_reset"
	MsgPong               = "pong"
	MsgError              = "error"
)

// ClientMessage is a single inbound control-channel frame. Exactly one of the
// payload fields is meaningful, selected by Type.
type ClientMessage struct {
	Type     string `json:"type"`
	Phone    string `json:"phone,omitempty"`
	Code     string `json:"code,omitempty"`
	Password string `json:"password,omitempty"`
}

// ServerMessage is a single outbound control-channel frame.
type ServerMessage struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId,omitempty"`
	DetectedCountry string `json:"detectedCountry,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ProtocolError marks a frame that could not be interpreted. It is reported to
// the client verbatim and never touches session state.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// DecodeClientMessage parses an inbound frame. Unknown message types and
// malformed payloads are rejected with a *ProtocolError.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, &ProtocolError{Reason: "malformed payload"}
	}

	switch msg.Type {
	case MsgSubmitPhone, MsgSubmitCode, MsgSubmitPassword, MsgUserReturnedToPhone, MsgPing:
		return msg, nil
	case "":
		return ClientMessage{}, &ProtocolError{Reason: "missing message type"}
	default:
		return ClientMessage{}, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

// EncodeServerMessage serializes an outbound frame.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q message: %w", msg.Type, err)
	}
	return data, nil
}

// EncodeClientMessage serializes an inbound frame. Used by Go clients and
// tests driving the control channel.
func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q message: %w", msg.Type, err)
	}
	return data, nil
}

// DecodeServerMessage parses an outbound frame.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("failed to decode server message: %w", err)
	}
	return msg, nil
}

// Event builds an outbound frame that carries no payload beyond its type.
func Event(msgType string) ServerMessage {
	return ServerMessage{Type: msgType}
}

// Failure builds an outbound frame carrying a user-facing message.
func Failure(msgType, message string) ServerMessage {
	return ServerMessage{Type: msgType, Message: message}
}
