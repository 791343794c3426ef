package handlers

import (
	"net/http"
)

// IntrospectHandler handles POST /introspect (RFC 7662). Verification
// failures of any kind collapse to {"active": false}; no detail leaks.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	token := req.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	writeJSON(w, http.StatusOK, h.provider.IntrospectToken(req.Context(), token))
}

// RevokeHandler handles POST /revoke (RFC 7009). The token_type_hint is
// ignored; both access and refresh tokens are accepted. Revoking an
// unknown token still returns 200.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	token := req.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	if err := h.provider.RevokeToken(req.Context(), token); err != nil {
		h.logger.Error("failed to revoke token", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}
