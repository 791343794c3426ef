// Package auth gates the MCP transport endpoints behind bearer tokens.
//
// The package is deliberately ignorant of how tokens are minted: a
// TokenVerifier turns a raw bearer token into an AuthInfo, either by asking
// the in-process authorization server or by calling a remote introspection
// endpoint. Handlers downstream read the AuthInfo from the request context.
package auth

import (
	"time"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
)

// AuthInfo is the validated identity attached to an authenticated request.
type AuthInfo struct {
	// Token is the raw bearer token the request presented.
	Token string

	// ClientID is the OAuth client the token was issued to.
	ClientID string

	// Scopes granted to the token.
	Scopes []string

	// ExpiresAt is the token expiry as a Unix timestamp, 0 if unknown.
	ExpiresAt int64

	// Extra carries verifier-specific claims, notably "userId".
	Extra map[string]any

	// Installation is the full session record, set only when the in-process
	// authorization server verified the token.
	Installation *storage.Installation
}

// UserID returns the authenticated user's identifier, if the verifier
// supplied one.
func (a *AuthInfo) UserID() string {
	if a == nil || a.Extra == nil {
		return ""
	}
	userID, _ := a.Extra["userId"].(string)
	return userID
}

// Expired reports whether the token is past its expiry. A zero ExpiresAt
// never expires here; the verifier is expected to have enforced it.
func (a *AuthInfo) Expired(now time.Time) bool {
	return a.ExpiresAt != 0 && now.Unix() >= a.ExpiresAt
}
