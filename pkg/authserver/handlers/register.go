package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
)

// maxRegistrationBodySize bounds DCR request bodies (64KB). Generous enough
// for legitimate requests with many redirect URIs.
const maxRegistrationBodySize = 64 * 1024

// registrationRequest is the RFC 7591 client metadata subset we accept.
type registrationRequest struct {
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	ClientURI    string   `json:"client_uri,omitempty"`
}

// registrationResponse is returned exactly once; a secret, if issued, is
// never retrievable again.
type registrationResponse struct {
	ClientID         string   `json:"client_id"`
	ClientIDIssuedAt int64    `json:"client_id_issued_at"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	ClientURI        string   `json:"client_uri,omitempty"`
	ClientSecret     string   `json:"client_secret,omitempty"`
}

// RegisterClientHandler handles POST /register (RFC 7591 dynamic client
// registration).
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	req.Body = http.MaxBytesReader(w, req.Body, maxRegistrationBodySize)

	if ct := req.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "Content-Type must be application/json")
		return
	}

	var regReq registrationRequest
	if err := json.NewDecoder(req.Body).Decode(&regReq); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid JSON request body")
		return
	}

	if len(regReq.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris is required")
		return
	}
	for _, uri := range regReq.RedirectURIs {
		if !validRedirectURI(uri) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid redirect_uri")
			return
		}
	}

	registered, err := h.provider.RegisterClient(ctx, &storage.ClientRegistration{
		ClientName:   regReq.ClientName,
		RedirectURIs: regReq.RedirectURIs,
		ClientURI:    regReq.ClientURI,
	})
	if err != nil {
		h.logger.Error("failed to register client", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Debug("registered new client",
		"client_id", registered.ClientID,
		"client_name", registered.ClientName,
	)

	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:         registered.ClientID,
		ClientIDIssuedAt: time.Now().Unix(),
		ClientName:       registered.ClientName,
		RedirectURIs:     registered.RedirectURIs,
		ClientURI:        registered.ClientURI,
		ClientSecret:     registered.ClientSecret,
	})
}

// validRedirectURI accepts absolute http(s) URIs. Loopback http is fine;
// everything else must be https.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	default:
		return false
	}
}
