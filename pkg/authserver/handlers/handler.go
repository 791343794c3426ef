// Package handlers provides the HTTP surface of the OAuth authorization
// server: registration, authorization, the mock upstream IdP, token
// exchange, introspection, revocation and server metadata.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/logger"
)

// Handler provides HTTP handlers for the OAuth authorization server endpoints.
type Handler struct {
	provider *authserver.Provider
	logger   *slog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(provider *authserver.Provider) *Handler {
	return &Handler{
		provider: provider,
		logger:   logger.Get(),
	}
}

// Routes returns a router with all OAuth endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the OAuth endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.With(authserver.RateLimitMiddleware(authserver.RegisterRateLimit)).
		Post("/register", h.RegisterClientHandler)
	r.Get("/authorize", h.AuthorizeHandler)
	r.With(authserver.RateLimitMiddleware(authserver.UpstreamIDPRateLimit)).
		Get("/mock-upstream-idp/authorize", h.UpstreamAuthorizeHandler)
	r.With(authserver.RateLimitMiddleware(authserver.UpstreamIDPRateLimit)).
		Get("/mock-upstream-idp/callback", h.UpstreamCallbackHandler)
	r.With(authserver.RateLimitMiddleware(authserver.TokenRateLimit)).
		Post("/token", h.TokenHandler)
	r.Post("/introspect", h.IntrospectHandler)
	r.Post("/revoke", h.RevokeHandler)
}

// WellKnownRoutes registers the authorization-server metadata endpoint
// (RFC 8414) on the provided router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.MetadataHandler)
}

// oauthError is the RFC 6749 error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOAuthError renders an OAuth error response. Descriptions are kept
// generic; internal failure detail never reaches the wire.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Error: code, ErrorDescription: description})
}

// writeProviderError maps provider error kinds onto the wire taxonomy.
func (h *Handler) writeProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authserver.ErrInvalidClient):
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "")
	case errors.Is(err, authserver.ErrInvalidGrant):
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
	case errors.Is(err, authserver.ErrInvalidRequest):
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "")
	default:
		h.logger.Error("internal error handling oauth request", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
