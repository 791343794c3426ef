package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlEnvelopeWireFormat(t *testing.T) {
	t.Parallel()

	before := time.Now().UnixMilli()
	env := NewControlEnvelope(ActionShutdown)
	after := time.Now().UnixMilli()

	payload, err := json.Marshal(env)
	require.NoError(t, err)

	var wire struct {
		Type      string `json:"type"`
		Action    string `json:"action"`
		Timestamp int64  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(payload, &wire))
	assert.Equal(t, EnvelopeControl, wire.Type)
	assert.Equal(t, ActionShutdown, wire.Action)

	// The timestamp is a number in epoch milliseconds, not a formatted
	// date string.
	assert.GreaterOrEqual(t, wire.Timestamp, before)
	assert.LessOrEqual(t, wire.Timestamp, after)
}

func TestMCPEnvelopeRouting(t *testing.T) {
	t.Parallel()

	msg := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	env := NewMCPEnvelope(msg, "1", &AuthInfo{Token: "tok", ClientID: "c1"})
	require.NotNil(t, env.Options)
	assert.Equal(t, "1", env.Options.RelatedRequestID)
	require.NotNil(t, env.Extra)
	assert.Equal(t, "c1", env.Extra.AuthInfo.ClientID)

	// No related request and no identity keeps the envelope minimal.
	bare := NewMCPEnvelope(msg, "", nil)
	assert.Nil(t, bare.Options)
	assert.Nil(t, bare.Extra)
}
