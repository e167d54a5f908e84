package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage(t *testing.T) {
	t.Run("valid submit_phone", func(t *testing.T) {
		msg, err := DecodeClientMessage([]byte(`{"type":"submit_phone","phone":"+15551234567"}`))
		require.NoError(t, err)
		assert.Equal(t, MsgSubmitPhone, msg.Type)
		assert.Equal(t, "+15551234567", msg.Phone)
	})

	t.Run("valid ping", func(t *testing.T) {
		msg, err := DecodeClientMessage([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		assert.Equal(t, MsgPing, msg.Type)
	})

	t.Run("unknown fields are ignored", func(t *testing.T) {
		msg, err := DecodeClientMessage([]byte(`{"type":"submit_code","code":"12345","extra":true}`))
		require.NoError(t, err)
		assert.Equal(t, "12345", msg.Code)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := DecodeClientMessage([]byte(`{broken`))
		require.Error(t, err)
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, "malformed payload", protoErr.Reason)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := DecodeClientMessage([]byte(`{"phone":"+15551234567"}`))
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, "missing message type", protoErr.Reason)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeClientMessage([]byte(`{"type":"drop_tables"}`))
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Contains(t, protoErr.Reason, "drop_tables")
	})
}

func TestServerMessageWireFormat(t *testing.T) {
	data, err := EncodeServerMessage(ServerMessage{
		Type:            MsgConnected,
		SessionID:       "abc-123",
		DetectedCountry: "DE",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected","sessionId":"abc-123","detectedCountry":"DE"}`, string(data))

	// Empty payload fields stay off the wire.
	data, err = EncodeServerMessage(Event(MsgBrowserReady))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"browser_ready"}`, string(data))
}

func TestFailureCarriesMessage(t *testing.T) {
	msg := Failure(MsgPhoneError, "This phone number is banned")
	assert.Equal(t, MsgPhoneError, msg.Type)
	assert.Equal(t, "This phone number is banned", msg.Message)
}
