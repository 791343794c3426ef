// Package types defines the wire format of the Redis session relay.
//
// Each MCP session is a set of pub/sub channels keyed by session ID. Any
// server instance holding the Redis connection can service any session:
// HTTP handlers publish client messages "to server", the instance running
// the session's MCP server publishes responses "to client", and a control
// channel carries lifecycle commands.
package types

import (
	"encoding/json"
	"time"
)

// Envelope types.
const (
	// EnvelopeMCP wraps a JSON-RPC message.
	EnvelopeMCP = "mcp"

	// EnvelopeControl wraps a lifecycle command.
	EnvelopeControl = "control"
)

// ActionShutdown tells the session's transport to shut down.
const ActionShutdown = "SHUTDOWN"

// GetStreamRequestID is the pseudo request ID of the standalone GET SSE
// stream. Server-initiated messages without a related request land on its
// channel.
const GetStreamRequestID = "__GET_stream"

// AuthInfo is the identity relayed alongside a client message so tool
// handlers on the servicing instance see who is calling.
type AuthInfo struct {
	Token     string         `json:"token"`
	ClientID  string         `json:"clientId"`
	Scopes    []string       `json:"scopes"`
	ExpiresAt int64          `json:"expiresAt,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// SendOptions carries per-message routing hints.
type SendOptions struct {
	// RelatedRequestID routes a response to the channel of the request it
	// answers. Empty means the standalone GET stream.
	RelatedRequestID string `json:"relatedRequestId,omitempty"`
}

// Extra carries out-of-band data attached to a relayed message.
type Extra struct {
	AuthInfo *AuthInfo `json:"authInfo,omitempty"`
}

// Envelope is the unit published on every relay channel.
type Envelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Options *SendOptions    `json:"options,omitempty"`
	Extra   *Extra          `json:"extra,omitempty"`

	// Action is set on control envelopes.
	Action string `json:"action,omitempty"`

	// Timestamp is set on control envelopes for observability, in epoch
	// milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewMCPEnvelope wraps a JSON-RPC message for the relay.
func NewMCPEnvelope(message json.RawMessage, relatedRequestID string, authInfo *AuthInfo) *Envelope {
	env := &Envelope{Type: EnvelopeMCP, Message: message}
	if relatedRequestID != "" {
		env.Options = &SendOptions{RelatedRequestID: relatedRequestID}
	}
	if authInfo != nil {
		env.Extra = &Extra{AuthInfo: authInfo}
	}
	return env
}

// NewControlEnvelope wraps a lifecycle command.
func NewControlEnvelope(action string) *Envelope {
	return &Envelope{
		Type:      EnvelopeControl,
		Action:    action,
		Timestamp: time.Now().UnixMilli(),
	}
}
