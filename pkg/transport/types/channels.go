package types

// Channel and key layout. The server channel doubles as the session
// liveness probe: a session is live while something is subscribed to it.
const (
	toServerPrefix     = "mcp:shttp:toserver:"
	toClientPrefix     = "mcp:shttp:toclient:"
	controlPrefix      = "mcp:control:"
	sessionOwnerPrefix = "session:owner:"
)

// ToServerChannel is where HTTP handlers publish client messages for the
// instance running the session's MCP server.
func ToServerChannel(sessionID string) string {
	return toServerPrefix + sessionID
}

// ToClientChannel carries responses bound to a specific request ID.
func ToClientChannel(sessionID, requestID string) string {
	return toClientPrefix + sessionID + ":" + requestID
}

// GetStreamChannel carries server-initiated messages for the standalone GET
// SSE stream.
func GetStreamChannel(sessionID string) string {
	return ToClientChannel(sessionID, GetStreamRequestID)
}

// ControlChannel carries lifecycle commands for the session.
func ControlChannel(sessionID string) string {
	return controlPrefix + sessionID
}

// SessionOwnerKey is the plaintext key recording which user owns the
// session.
func SessionOwnerKey(sessionID string) string {
	return sessionOwnerPrefix + sessionID
}
