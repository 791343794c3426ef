package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
)

const testIssuer = "https://mcp.example.com"

var authCodePattern = regexp.MustCompile(`state=([0-9a-f]{64})`)

func setupHandler(t *testing.T) http.Handler {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := storage.NewRedisStoreWithClient(client)
	provider := authserver.NewProvider(store, testIssuer, nil)
	return NewHandler(provider).Routes()
}

func registerClient(t *testing.T, h http.Handler) (clientID string) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"client_name":   "Test App",
		"redirect_uris": []string{"https://app.example.com/cb"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	clientID, _ = resp["client_id"].(string)
	require.NotEmpty(t, clientID)
	return clientID
}

// authorizeAndCallback drives /authorize through the mock IdP and returns
// the authorization code handed back to the client application.
func authorizeAndCallback(t *testing.T, h http.Handler, clientID, challenge, userID string) string {
	t.Helper()

	// GET /authorize renders the consent page carrying the auth code as
	// the upstream state.
	authorizeURL := "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"https://app.example.com/cb"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"s1"},
	}.Encode()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authorizeURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")

	match := authCodePattern.FindStringSubmatch(rec.Body.String())
	require.NotNil(t, match, "consent page must link to the upstream IdP with state")
	authCode := match[1]

	// Mock IdP authorize redirects to its callback.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/mock-upstream-idp/authorize?state="+authCode+"&userId="+userID, nil))
	require.Equal(t, http.StatusFound, rec.Code)
	callback := rec.Header().Get("Location")
	require.Contains(t, callback, "/mock-upstream-idp/callback")

	// The callback mints tokens and redirects back to the client app.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, callback, nil))
	require.Equal(t, http.StatusFound, rec.Code)

	target, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", target.Host)
	assert.Equal(t, "s1", target.Query().Get("state"))
	code := target.Query().Get("code")
	require.Equal(t, authCode, code)
	return code
}

func exchangeCode(t *testing.T, h http.Handler, clientID, code, verifier string) *httptest.ResponseRecorder {
	t.Helper()

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	clientID := registerClient(t, h)
	verifier := oauth2.GenerateVerifier()
	code := authorizeAndCallback(t, h, clientID, oauth2.S256ChallengeFromVerifier(verifier), "u42")

	rec := exchangeCode(t, h, clientID, code, verifier)
	require.Equal(t, http.StatusOK, rec.Code)

	var tokens map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	assert.Equal(t, "Bearer", tokens["token_type"])
	assert.EqualValues(t, 3600, tokens["expires_in"])
	accessToken, _ := tokens["access_token"].(string)
	refreshToken, _ := tokens["refresh_token"].(string)
	require.NotEmpty(t, accessToken)
	require.NotEmpty(t, refreshToken)

	// Introspection reports the active token with the expected claims.
	introspection := introspect(t, h, accessToken)
	assert.Equal(t, true, introspection["active"])
	assert.Equal(t, "u42", introspection["sub"])
	assert.Equal(t, "mcp", introspection["scope"])
	assert.Equal(t, testIssuer, introspection["aud"])

	// Refresh rotation issues a fresh pair.
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rotated map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEqual(t, accessToken, rotated["access_token"])
	assert.NotEqual(t, refreshToken, rotated["refresh_token"])

	// Revocation kills the rotated access token.
	newAccess, _ := rotated["access_token"].(string)
	revokeForm := url.Values{"token": {newAccess}}
	req = httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(revokeForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, false, introspect(t, h, newAccess)["active"])
}

func introspect(t *testing.T, h http.Handler, token string) map[string]any {
	t.Helper()

	form := url.Values{"token": {token}}
	req := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestTokenReplayReturnsInvalidGrant(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	clientID := registerClient(t, h)
	verifier := oauth2.GenerateVerifier()
	code := authorizeAndCallback(t, h, clientID, oauth2.S256ChallengeFromVerifier(verifier), "u42")

	first := exchangeCode(t, h, clientID, code, verifier)
	require.Equal(t, http.StatusOK, first.Code)

	second := exchangeCode(t, h, clientID, code, verifier)
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Contains(t, second.Body.String(), "invalid_grant")
}

func TestConcurrentCodeExchange(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	clientID := registerClient(t, h)
	verifier := oauth2.GenerateVerifier()
	code := authorizeAndCallback(t, h, clientID, oauth2.S256ChallengeFromVerifier(verifier), "u42")

	// Two clients racing the same code: at most one exchange succeeds, and
	// the loser's replay detection revokes whatever the code was bound to.
	const racers = 2
	recs := make([]*httptest.ResponseRecorder, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = exchangeCode(t, h, clientID, code, verifier)
		}(i)
	}
	wg.Wait()

	var wins int
	var accessToken string
	for _, rec := range recs {
		if rec.Code == http.StatusOK {
			wins++
			var tokens map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
			accessToken, _ = tokens["access_token"].(string)
		} else {
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_grant")
		}
	}
	assert.LessOrEqual(t, wins, 1, "a code must never yield two grants")

	// Even when one racer got tokens, the replay revocation leaves them
	// unusable.
	if accessToken != "" {
		assert.Equal(t, false, introspect(t, h, accessToken)["active"])
	}
}

func TestTokenWrongVerifier(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	clientID := registerClient(t, h)
	verifier := oauth2.GenerateVerifier()
	code := authorizeAndCallback(t, h, clientID, oauth2.S256ChallengeFromVerifier(verifier), "u42")

	rec := exchangeCode(t, h, clientID, code, oauth2.GenerateVerifier())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "missing redirect uris", contentType: "application/json", body: `{"client_name":"x"}`},
		{name: "bad json", contentType: "application/json", body: `{`},
		{name: "wrong content type", contentType: "text/plain", body: `{}`},
		{name: "ftp redirect", contentType: "application/json", body: `{"redirect_uris":["ftp://x"]}`},
		{name: "plain http redirect", contentType: "application/json", body: `{"redirect_uris":["http://evil.example.com/cb"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_client_metadata")
		})
	}
}

func TestAuthorizeErrors(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)
	clientID := registerClient(t, h)

	t.Run("unknown client", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/authorize?response_type=code&client_id=nope&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/authorize?response_type=code&client_id="+clientID+"&redirect_uri=https%3A%2F%2Fevil.example.com", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad response type redirects with error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/authorize?response_type=token&client_id="+clientID+
				"&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb&state=s1", nil))
		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "unsupported_response_type", loc.Query().Get("error"))
		assert.Equal(t, "s1", loc.Query().Get("state"))
	})

	t.Run("missing pkce redirects with error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/authorize?response_type=code&client_id="+clientID+
				"&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb", nil))
		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "invalid_request", loc.Query().Get("error"))
	})
}

func TestCallbackInvalidState(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/mock-upstream-idp/callback?state="+strings.Repeat("0", 64)+"&userId=u1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_state")
}

func TestIntrospectRequiresToken(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestMetadataDocument(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, testIssuer, doc["issuer"])
	assert.Equal(t, testIssuer+"/token", doc["token_endpoint"])
	assert.Equal(t, []any{"S256"}, doc["code_challenge_methods_supported"])
}

func TestRegisterRateLimit(t *testing.T) {
	t.Parallel()
	h := setupHandler(t)

	body := `{"redirect_uris":["https://app.example.com/cb"]}`
	var lastCode int
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "198.51.100.7:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, lastCode)
}
