package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
)

// UpstreamAuthorizeHandler handles GET /mock-upstream-idp/authorize.
//
// It simulates the upstream identity provider's login screen: the caller is
// immediately redirected to the callback with the state untouched and a
// user id. Pass ?userId= to impersonate a fixed user; otherwise a fresh
// fake user is minted.
func (h *Handler) UpstreamAuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	state := req.URL.Query().Get("state")
	if state == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "state is required")
		return
	}

	userID := req.URL.Query().Get("userId")
	if userID == "" {
		userID = "user-" + uuid.NewString()
	}

	callback := "/mock-upstream-idp/callback?" + url.Values{
		"state":  {state},
		"userId": {userID},
	}.Encode()
	http.Redirect(w, req, callback, http.StatusFound)
}

// UpstreamCallbackHandler handles GET /mock-upstream-idp/callback. It
// completes the upstream detour: the state parameter is the authorization
// code, which resolves the pending authorization, mints the MCP tokens and
// redirects back to the client application with code and original state.
func (h *Handler) UpstreamCallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	state := req.URL.Query().Get("state")
	userID := req.URL.Query().Get("userId")
	if state == "" || userID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_state", "")
		return
	}

	upstream := storage.UpstreamInstallation{
		"provider": "mock-upstream-idp",
		"userId":   userID,
	}

	pending, err := h.provider.CompleteUpstreamAuthorization(ctx, state, userID, upstream)
	if err != nil {
		if errors.Is(err, authserver.ErrInvalidGrant) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_state", "")
			return
		}
		h.logger.Error("failed to complete upstream authorization", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	target, err := url.Parse(pending.RedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_state", "")
		return
	}
	q := target.Query()
	q.Set("code", state)
	if pending.State != "" {
		q.Set("state", pending.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, req, target.String(), http.StatusFound)
}
