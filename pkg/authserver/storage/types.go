// Package storage provides the persistence layer for the OAuth
// authorization server.
//
// Every record class has its own key prefix and TTL. Client registrations
// are stored as plaintext JSON keyed by client ID. All token-derived records
// are encrypted at rest with AES-256-CBC, keyed by the lookup token itself,
// and stored under "prefix + sha256(token)". A holder of the store contents
// alone cannot recover any token.
package storage

import (
	"context"
	"errors"
	"time"
)

// TTLs per record class.
const (
	// DefaultClientTTL bounds growth from dynamic client registration.
	DefaultClientTTL = 30 * 24 * time.Hour

	// DefaultPendingAuthorizationTTL is the lifetime of an authorization
	// code between /authorize and the upstream callback (RFC 6749
	// recommendation).
	DefaultPendingAuthorizationTTL = 10 * time.Minute

	// DefaultTokenExchangeTTL is the lifetime of the code-to-token binding
	// between the upstream callback and /token.
	DefaultTokenExchangeTTL = 10 * time.Minute

	// DefaultInstallationTTL is the lifetime of an installation record.
	DefaultInstallationTTL = 7 * 24 * time.Hour

	// DefaultRefreshIndexTTL matches the installation lifetime.
	DefaultRefreshIndexTTL = 7 * 24 * time.Hour
)

// Common errors returned by storage implementations.
var (
	// ErrNotFound indicates the requested record does not exist. Expired
	// records are indistinguishable from absent ones.
	ErrNotFound = errors.New("record not found")

	// ErrReplayDetected indicates a token-exchange record was consumed a
	// second time, or was modified concurrently during consumption.
	ErrReplayDetected = errors.New("authorization code replay detected")
)

// ClientRegistration is a dynamically registered OAuth client (RFC 7591).
// Records are created once and never mutated; they expire by TTL.
type ClientRegistration struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	ClientURI    string   `json:"client_uri,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
}

// HasRedirectURI reports whether uri is in the registered set.
func (c *ClientRegistration) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// PendingAuthorization captures an /authorize request while the user is
// detoured through the upstream identity provider. It is keyed by the
// authorization code and encrypted with it.
type PendingAuthorization struct {
	RedirectURI         string `json:"redirectUri"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
	ClientID            string `json:"clientId"`
	State               string `json:"state,omitempty"`
}

// TokenExchange binds an authorization code to the MCP access token minted
// at upstream-callback time. It is consumed exactly once at /token; the
// consumption flips AlreadyUsed under a compare-and-swap.
type TokenExchange struct {
	MCPAccessToken string `json:"mcpAccessToken"`
	AlreadyUsed    bool   `json:"alreadyUsed"`
}

// TokenSet is the opaque token triple issued to MCP clients.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// UpstreamInstallation is whatever the upstream identity provider handed
// back for the user. The core treats it as an opaque JSON document.
type UpstreamInstallation map[string]any

// Installation is the authoritative user-session record, keyed by the MCP
// access token. Mutated only on refresh rotation.
type Installation struct {
	UpstreamInstallation UpstreamInstallation `json:"upstreamInstallation"`
	MCPTokens            TokenSet             `json:"mcpTokens"`
	ClientID             string               `json:"clientId"`
	IssuedAt             int64                `json:"issuedAt"`
	UserID               string               `json:"userId"`
}

// ExpiresAt returns the wall-clock expiry of the installation's access token.
func (i *Installation) ExpiresAt() time.Time {
	return time.Unix(i.IssuedAt+i.MCPTokens.ExpiresIn, 0)
}

// Expired reports whether the access token has passed issuedAt + expiresIn.
// This check is authoritative regardless of store residency.
func (i *Installation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt())
}

// ClientRegistry persists dynamic client registrations.
type ClientRegistry interface {
	SaveClient(ctx context.Context, client *ClientRegistration) error
	GetClient(ctx context.Context, clientID string) (*ClientRegistration, error)
}

// AuthStore is the encrypted record store backing the authorization state
// machine. All lookup keys are the tokens themselves; readers must treat
// ErrNotFound as "expired".
type AuthStore interface {
	ClientRegistry

	SavePendingAuthorization(ctx context.Context, authCode string, pending *PendingAuthorization) error
	GetPendingAuthorization(ctx context.Context, authCode string) (*PendingAuthorization, error)

	SaveTokenExchange(ctx context.Context, authCode string, exchange *TokenExchange) error
	// ConsumeTokenExchange reads the exchange record for authCode and
	// rewrites it with AlreadyUsed=true, preserving the TTL. It fails with
	// ErrReplayDetected when the record was already consumed or when a
	// concurrent consumer won the compare-and-swap.
	ConsumeTokenExchange(ctx context.Context, authCode string) (*TokenExchange, error)

	SaveInstallation(ctx context.Context, accessToken string, installation *Installation) error
	GetInstallation(ctx context.Context, accessToken string) (*Installation, error)
	DeleteInstallation(ctx context.Context, accessToken string) error

	SaveRefreshIndex(ctx context.Context, refreshToken, accessToken string) error
	GetRefreshIndex(ctx context.Context, refreshToken string) (string, error)
	DeleteRefreshIndex(ctx context.Context, refreshToken string) error

	Ping(ctx context.Context) error
}
