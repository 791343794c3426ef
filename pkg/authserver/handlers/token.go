package handlers

import (
	"net/http"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
)

// tokenResponse is the RFC 6749 token endpoint success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenHandler handles POST /token for both supported grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	clientID := req.PostFormValue("client_id")
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	var (
		tokens *storage.TokenSet
		err    error
	)
	switch grantType := req.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		code := req.PostFormValue("code")
		verifier := req.PostFormValue("code_verifier")
		if code == "" || verifier == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code and code_verifier are required")
			return
		}
		tokens, err = h.provider.ExchangeAuthorizationCode(ctx, clientID, code, verifier)

	case "refresh_token":
		refreshToken := req.PostFormValue("refresh_token")
		if refreshToken == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
			return
		}
		tokens, err = h.provider.ExchangeRefreshToken(ctx, clientID, refreshToken)

	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	if err != nil {
		h.writeProviderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    tokens.ExpiresIn,
	})
}
