package handlers

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/crypto"
)

// consentCSP locks the consent page down: everything self, inline styles
// permitted only here, no framing, forms only back to this origin.
const consentCSP = "default-src 'self'; style-src 'self' 'unsafe-inline'; script-src 'self'; " +
	"frame-ancestors 'none'; form-action 'self'"

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
.card { border: 1px solid #ddd; border-radius: 8px; padding: 2rem; }
.continue { display: inline-block; margin-top: 1rem; padding: 0.6rem 1.2rem;
  background: #1a73e8; color: #fff; border-radius: 6px; text-decoration: none; }
</style>
</head>
<body>
<div class="card">
<h1>Authorization Request</h1>
<p><strong>{{.ClientName}}</strong> is requesting access to the MCP server on your behalf.</p>
<p>Continuing will send you to the upstream identity provider to sign in.</p>
<a class="continue" href="{{.ContinueURL}}">Continue</a>
</div>
</body>
</html>
`))

// AuthorizeHandler handles GET /authorize. It validates the request,
// persists a pending authorization and renders the consent page whose
// continue link detours through the upstream identity provider carrying
// the authorization code as state.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	// Client identity and redirect target are validated before anything is
	// redirected anywhere; failures here get a 400, never a redirect.
	client, err := h.provider.Store().GetClient(ctx, clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if !client.HasRedirectURI(redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "redirect_uri not registered")
		return
	}

	// Remaining parameter failures are reported to the client application
	// via its registered redirect URI.
	if q.Get("response_type") != "code" {
		h.redirectError(w, req, redirectURI, state, "unsupported_response_type")
		return
	}
	if q.Get("code_challenge_method") != crypto.PKCEMethodS256 || q.Get("code_challenge") == "" {
		h.redirectError(w, req, redirectURI, state, "invalid_request")
		return
	}

	authCode, err := h.provider.StartAuthorization(ctx, &storage.PendingAuthorization{
		RedirectURI:         redirectURI,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ClientID:            clientID,
		State:               state,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_client", "")
			return
		}
		h.logger.Error("failed to start authorization", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	continueURL := "/mock-upstream-idp/authorize?" + url.Values{"state": {authCode}}.Encode()

	clientName := client.ClientName
	if clientName == "" {
		clientName = "An application"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", consentCSP)
	w.Header().Set("Cache-Control", "no-store")
	if err := consentTemplate.Execute(w, map[string]string{
		"ClientName":  clientName,
		"ContinueURL": continueURL,
	}); err != nil {
		h.logger.Error("failed to render consent page", "error", err)
	}
}

// redirectError sends the client application an OAuth error on its own
// redirect URI.
func (*Handler) redirectError(w http.ResponseWriter, req *http.Request, redirectURI, state, code string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	q := target.Query()
	q.Set("error", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, req, target.String(), http.StatusFound)
}
