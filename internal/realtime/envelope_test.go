package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_RequiresNamespaceAndEvent(t *testing.T) {
	_, err := NewEnvelope("", "chat", nil)
	var invalid *InvalidEnvelopeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "namespace", invalid.Field)

	_, err = NewEnvelope("/chat", "", nil)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "event", invalid.Field)
}

func TestEnvelope_EncodeDecodeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("/chat", "message", map[string]string{"text": "hello"})
	require.NoError(t, err)
	env.Room = "lobby"
	env.SenderID = "conn-1"
	env.OriginServerID = "server-a"
	env.CreatedAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "/chat", decoded.Namespace)
	assert.Equal(t, "lobby", decoded.Room)
	assert.Equal(t, "message", decoded.Event)
	assert.Equal(t, "conn-1", decoded.SenderID)
	assert.Equal(t, "server-a", decoded.OriginServerID)
	assert.True(t, env.CreatedAt.Equal(decoded.CreatedAt))
	assert.JSONEq(t, `{"text":"hello"}`, string(decoded.Payload))
}

func TestDecodeEnvelope_RejectsInvalid(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"event":"chat"}`))
	var invalid *InvalidEnvelopeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "namespace", invalid.Field)

	_, err = DecodeEnvelope([]byte(`{"namespace":"/chat"}`))
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "event", invalid.Field)
}
