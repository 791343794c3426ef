package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/crypto"
)

// DefaultAccessTokenExpiry is the expires_in value for issued access tokens.
const DefaultAccessTokenExpiry = 3600 * time.Second

// tokenPrefixLen bounds how much of a token or code appears in logs.
const tokenPrefixLen = 8

// Provider drives the authorization state machine over the encrypted store:
//
//	pending (/authorize) -> exchangeable (upstream callback) -> active (/token)
//
// with refresh rotation and revocation on the active state. All records
// expire by TTL; an absent record is indistinguishable from an expired one.
type Provider struct {
	store             storage.AuthStore
	issuer            string
	accessTokenExpiry time.Duration
	logger            *slog.Logger
}

// NewProvider creates a Provider. issuer is the canonical base URI of this
// server, used as both token issuer and audience.
func NewProvider(store storage.AuthStore, issuer string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		store:             store,
		issuer:            issuer,
		accessTokenExpiry: DefaultAccessTokenExpiry,
		logger:            logger,
	}
}

// Issuer returns the canonical URI this provider issues tokens for.
func (p *Provider) Issuer() string {
	return p.issuer
}

// Store exposes the underlying record store for collaborators that need
// direct installation access (the embedded verifier, health checks).
func (p *Provider) Store() storage.AuthStore {
	return p.store
}

// RegisterClient validates and persists a dynamic client registration,
// assigning a fresh client ID.
func (p *Provider) RegisterClient(ctx context.Context, reg *storage.ClientRegistration) (*storage.ClientRegistration, error) {
	if reg == nil || len(reg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: redirect_uris is required", ErrInvalidRequest)
	}

	clientID, err := crypto.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client id: %w", err)
	}

	registered := *reg
	registered.ClientID = clientID

	if err := p.store.SaveClient(ctx, &registered); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}
	return &registered, nil
}

// StartAuthorization validates an /authorize request, persists the pending
// authorization and returns the generated authorization code. The code is
// carried as "state" through the upstream identity-provider detour.
func (p *Provider) StartAuthorization(ctx context.Context, pending *storage.PendingAuthorization) (string, error) {
	client, err := p.store.GetClient(ctx, pending.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return "", err
	}
	if !client.HasRedirectURI(pending.RedirectURI) {
		return "", fmt.Errorf("%w: redirect_uri not registered", ErrInvalidClient)
	}
	if pending.CodeChallengeMethod != crypto.PKCEMethodS256 {
		return "", fmt.Errorf("%w: code_challenge_method must be S256", ErrInvalidRequest)
	}
	if pending.CodeChallenge == "" {
		return "", fmt.Errorf("%w: code_challenge is required", ErrInvalidRequest)
	}

	authCode, err := crypto.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}

	if err := p.store.SavePendingAuthorization(ctx, authCode, pending); err != nil {
		return "", fmt.Errorf("failed to save pending authorization: %w", err)
	}
	return authCode, nil
}

// CompleteUpstreamAuthorization finishes the upstream detour for the given
// authorization code: it mints the MCP token pair, writes the installation,
// the refresh index and the single-use token exchange, and returns the
// pending authorization so the handler can redirect back to the client.
func (p *Provider) CompleteUpstreamAuthorization(
	ctx context.Context,
	authCode string,
	userID string,
	upstream storage.UpstreamInstallation,
) (*storage.PendingAuthorization, error) {
	pending, err := p.store.GetPendingAuthorization(ctx, authCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown or expired state", ErrInvalidGrant)
		}
		return nil, err
	}

	accessToken, err := crypto.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refreshToken, err := crypto.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	installation := &storage.Installation{
		UpstreamInstallation: upstream,
		MCPTokens: storage.TokenSet{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresIn:    int64(p.accessTokenExpiry.Seconds()),
		},
		ClientID: pending.ClientID,
		IssuedAt: time.Now().Unix(),
		UserID:   userID,
	}

	if err := p.store.SaveInstallation(ctx, accessToken, installation); err != nil {
		return nil, fmt.Errorf("failed to save installation: %w", err)
	}
	if err := p.store.SaveRefreshIndex(ctx, refreshToken, accessToken); err != nil {
		return nil, fmt.Errorf("failed to save refresh index: %w", err)
	}
	if err := p.store.SaveTokenExchange(ctx, authCode, &storage.TokenExchange{
		MCPAccessToken: accessToken,
	}); err != nil {
		return nil, fmt.Errorf("failed to save token exchange: %w", err)
	}

	return pending, nil
}

// ChallengeForAuthorizationCode returns the stored PKCE challenge for a
// code, for comparison against a submitted code_verifier.
func (p *Provider) ChallengeForAuthorizationCode(ctx context.Context, clientID, authCode string) (string, error) {
	pending, err := p.store.GetPendingAuthorization(ctx, authCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown or expired authorization code", ErrInvalidGrant)
		}
		return "", err
	}
	if pending.ClientID != clientID {
		return "", fmt.Errorf("%w: client mismatch", ErrInvalidGrant)
	}
	return pending.CodeChallenge, nil
}

// ExchangeAuthorizationCode performs the single-use exchange of an
// authorization code for the MCP token triple. PKCE is verified against the
// pending authorization before the code is consumed. A replayed code
// revokes the bound installation and fails with invalid_grant so the wire
// carries no hint of the detection.
func (p *Provider) ExchangeAuthorizationCode(
	ctx context.Context, clientID, authCode, codeVerifier string,
) (*storage.TokenSet, error) {
	challenge, err := p.ChallengeForAuthorizationCode(ctx, clientID, authCode)
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyPKCE(codeVerifier, challenge) {
		return nil, fmt.Errorf("%w: PKCE verification failed", ErrInvalidGrant)
	}

	exchange, err := p.store.ConsumeTokenExchange(ctx, authCode)
	if err != nil {
		if errors.Is(err, storage.ErrReplayDetected) {
			p.logger.Error("authorization code replay detected, revoking installation",
				"code_prefix", prefixOf(authCode),
			)
			if exchange != nil {
				_ = p.store.DeleteInstallation(ctx, exchange.MCPAccessToken)
			}
			return nil, fmt.Errorf("%w: code already used", ErrInvalidGrant)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown or expired authorization code", ErrInvalidGrant)
		}
		return nil, err
	}

	installation, err := p.store.GetInstallation(ctx, exchange.MCPAccessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: installation gone", ErrInvalidGrant)
		}
		return nil, err
	}
	if installation.ClientID != clientID {
		return nil, fmt.Errorf("%w: client mismatch", ErrInvalidClient)
	}

	return &installation.MCPTokens, nil
}

// ExchangeRefreshToken rotates a refresh token: a fresh token pair replaces
// the old one, the refresh index is repointed, and a new installation is
// written carrying over the user and upstream credentials. The old access
// token record becomes unreachable; its expiry check remains the
// authoritative guard.
func (p *Provider) ExchangeRefreshToken(ctx context.Context, clientID, refreshToken string) (*storage.TokenSet, error) {
	oldAccessToken, err := p.store.GetRefreshIndex(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown or expired refresh token", ErrInvalidGrant)
		}
		return nil, err
	}

	installation, err := p.store.GetInstallation(ctx, oldAccessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: installation gone", ErrInvalidGrant)
		}
		return nil, err
	}
	if installation.ClientID != clientID {
		return nil, fmt.Errorf("%w: client mismatch", ErrInvalidGrant)
	}

	newAccessToken, err := crypto.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	newRefreshToken, err := crypto.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	rotated := &storage.Installation{
		UpstreamInstallation: installation.UpstreamInstallation,
		MCPTokens: storage.TokenSet{
			AccessToken:  newAccessToken,
			RefreshToken: newRefreshToken,
			ExpiresIn:    int64(p.accessTokenExpiry.Seconds()),
		},
		ClientID: installation.ClientID,
		IssuedAt: time.Now().Unix(),
		UserID:   installation.UserID,
	}

	if err := p.store.SaveInstallation(ctx, newAccessToken, rotated); err != nil {
		return nil, fmt.Errorf("failed to save installation: %w", err)
	}
	if err := p.store.SaveRefreshIndex(ctx, newRefreshToken, newAccessToken); err != nil {
		return nil, fmt.Errorf("failed to save refresh index: %w", err)
	}
	// Retire the old refresh token; the old access token record is left to
	// TTL expiry, unreachable from any refresh token.
	if err := p.store.DeleteRefreshIndex(ctx, refreshToken); err != nil {
		return nil, fmt.Errorf("failed to delete refresh index: %w", err)
	}

	return &rotated.MCPTokens, nil
}

// VerifyAccessToken loads and validates the installation for an access
// token. Expiry is checked against issuedAt + expiresIn regardless of store
// residency.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*storage.Installation, error) {
	installation, err := p.store.GetInstallation(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown token", ErrInvalidToken)
		}
		return nil, err
	}
	if installation.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	return installation, nil
}

// RevokeToken deletes the installation for the submitted token. The token
// type hint is ignored: refresh tokens are resolved through the refresh
// index, anything else is treated as an access token. Revoking an unknown
// token succeeds per RFC 7009.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	if accessToken, err := p.store.GetRefreshIndex(ctx, token); err == nil {
		p.logger.Error("revoking installation",
			"token_prefix", prefixOf(token),
			"token_type", "refresh",
		)
		if err := p.store.DeleteInstallation(ctx, accessToken); err != nil {
			return err
		}
		return p.store.DeleteRefreshIndex(ctx, token)
	}

	p.logger.Error("revoking installation",
		"token_prefix", prefixOf(token),
		"token_type", "access",
	)
	return p.store.DeleteInstallation(ctx, token)
}

// IntrospectionResponse is the RFC 7662 wire shape.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Username  string `json:"username,omitempty"`
}

// IntrospectToken builds an RFC 7662 response for an access token. Any
// failure collapses to {active: false}; detail never reaches the wire.
func (p *Provider) IntrospectToken(ctx context.Context, token string) *IntrospectionResponse {
	installation, err := p.VerifyAccessToken(ctx, token)
	if err != nil {
		return &IntrospectionResponse{Active: false}
	}

	return &IntrospectionResponse{
		Active:    true,
		ClientID:  installation.ClientID,
		Scope:     "mcp",
		Exp:       installation.ExpiresAt().Unix(),
		Sub:       installation.UserID,
		Aud:       p.issuer,
		Iss:       p.issuer,
		TokenType: "Bearer",
	}
}

func prefixOf(token string) string {
	if len(token) <= tokenPrefixLen {
		return token
	}
	return token[:tokenPrefixLen]
}
