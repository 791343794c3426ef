// Package authserver implements the OAuth 2.1 authorization core: dynamic
// client registration, the PKCE-protected authorization-code flow with an
// upstream identity-provider detour, single-use code exchange, refresh
// rotation, token introspection and revocation.
package authserver

import "errors"

// Error kinds mapped onto the OAuth wire taxonomy (RFC 6749 / RFC 6750).
// Handlers translate these into {error: "..."} bodies; no other detail is
// ever leaked on the wire.
var (
	// ErrInvalidClient indicates an unknown or mismatched client_id.
	ErrInvalidClient = errors.New("invalid_client")

	// ErrInvalidGrant covers missing/expired authorization codes, PKCE
	// mismatches, unknown/expired refresh tokens, client mismatches on
	// refresh, and replay detections.
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrInvalidToken indicates bearer verification failed: unknown,
	// expired, revoked, wrong audience, or not yet valid.
	ErrInvalidToken = errors.New("invalid_token")

	// ErrInvalidRequest indicates a malformed request (missing parameters,
	// unsupported values).
	ErrInvalidRequest = errors.New("invalid_request")
)
