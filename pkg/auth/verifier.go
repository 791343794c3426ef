package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver"
)

// ErrInvalidToken indicates the bearer token failed verification for any
// reason: unknown, expired, revoked, or rejected by the introspection
// endpoint. Callers must not distinguish further on the wire.
var ErrInvalidToken = errors.New("invalid or expired token")

// issuedAtSkew is the tolerated clock skew on the iat claim.
const issuedAtSkew = 60 * time.Second

// TokenVerifier turns a raw bearer token into a validated identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*AuthInfo, error)
}

// EmbeddedVerifier verifies tokens against the in-process authorization
// server, skipping the HTTP round trip entirely.
type EmbeddedVerifier struct {
	provider *authserver.Provider
}

// NewEmbeddedVerifier creates a verifier backed by the given provider.
func NewEmbeddedVerifier(provider *authserver.Provider) *EmbeddedVerifier {
	return &EmbeddedVerifier{provider: provider}
}

// VerifyToken implements TokenVerifier.
func (v *EmbeddedVerifier) VerifyToken(ctx context.Context, token string) (*AuthInfo, error) {
	installation, err := v.provider.VerifyAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, authserver.ErrInvalidToken) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return nil, err
	}

	return &AuthInfo{
		Token:     token,
		ClientID:  installation.ClientID,
		Scopes:    []string{"mcp"},
		ExpiresAt: installation.ExpiresAt().Unix(),
		Extra: map[string]any{
			"userId": installation.UserID,
		},
		Installation: installation,
	}, nil
}

// IntrospectingVerifier verifies tokens by calling a remote RFC 7662
// introspection endpoint. Network and decode failures fail closed.
type IntrospectingVerifier struct {
	client           *http.Client
	introspectionURL string
	expectedAudience string
	logger           *slog.Logger
}

// NewIntrospectingVerifier creates a verifier calling introspectionURL.
// expectedAudience is this resource server's canonical URI; introspection
// responses carrying a different audience are rejected.
func NewIntrospectingVerifier(introspectionURL, expectedAudience string, logger *slog.Logger) *IntrospectingVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntrospectingVerifier{
		client:           &http.Client{Timeout: 10 * time.Second},
		introspectionURL: introspectionURL,
		expectedAudience: expectedAudience,
		logger:           logger,
	}
}

// audience is the RFC 7662 aud claim, which may arrive as a single string
// or a JSON array of strings.
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*a = nil
		} else {
			*a = audience{single}
		}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("aud must be a string or an array of strings")
	}
	*a = many
	return nil
}

func (a audience) contains(v string) bool {
	for _, aud := range a {
		if aud == v {
			return true
		}
	}
	return false
}

type introspectionResult struct {
	Active   bool     `json:"active"`
	ClientID string   `json:"client_id"`
	Scope    string   `json:"scope"`
	Exp      int64    `json:"exp"`
	Nbf      int64    `json:"nbf"`
	Iat      int64    `json:"iat"`
	Sub      string   `json:"sub"`
	Aud      audience `json:"aud"`
}

// VerifyToken implements TokenVerifier.
func (v *IntrospectingVerifier) VerifyToken(ctx context.Context, token string) (*AuthInfo, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.introspectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: introspection returned status %d", ErrInvalidToken, resp.StatusCode)
	}

	var result introspectionResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}

	if !result.Active {
		return nil, ErrInvalidToken
	}

	now := time.Now()
	if result.Exp != 0 && now.Unix() >= result.Exp {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if result.Nbf != 0 && now.Unix() < result.Nbf {
		return nil, fmt.Errorf("%w: token not yet valid", ErrInvalidToken)
	}
	if result.Iat != 0 && result.Iat > now.Add(issuedAtSkew).Unix() {
		return nil, fmt.Errorf("%w: token issued in the future", ErrInvalidToken)
	}

	switch {
	case len(result.Aud) == 0:
		v.logger.Warn("introspection response carries no audience, accepting token",
			"introspection_url", v.introspectionURL)
	case !result.Aud.contains(v.expectedAudience):
		return nil, fmt.Errorf("%w: token audience mismatch", ErrInvalidToken)
	}

	extra := map[string]any{}
	if result.Sub != "" {
		extra["userId"] = result.Sub
	}

	return &AuthInfo{
		Token:     token,
		ClientID:  result.ClientID,
		Scopes:    strings.Fields(result.Scope),
		ExpiresAt: result.Exp,
		Extra:     extra,
	}, nil
}
