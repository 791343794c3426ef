package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware gates a handler behind bearer-token verification. Requests
// without a valid token get a 401 whose WWW-Authenticate header points
// clients at the protected-resource metadata, per the MCP authorization
// flow. Validated requests carry an AuthInfo (and, in embedded mode, the
// installation record) in their context.
func Middleware(verifier TokenVerifier, resourceMetadataURL string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	challenge := fmt.Sprintf("Bearer resource_metadata=%q", resourceMetadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				// No credentials presented: RFC 6750 wants the bare
				// challenge, without an error attribute.
				unauthorized(w, challenge, "invalid_request", "missing bearer token")
				return
			}

			info, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				logger.Info("rejected bearer token",
					"token_prefix", tokenPrefix(token),
					"error", err,
				)
				invalidChallenge := fmt.Sprintf("%s, error=%q, error_description=%q",
					challenge, "invalid_token", "token verification failed")
				unauthorized(w, invalidChallenge, "invalid_token", "token verification failed")
				return
			}

			ctx := WithAuthInfo(r.Context(), info)
			if info.Installation != nil {
				ctx = WithInstallation(ctx, info.Installation)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header. The scheme
// match is case-insensitive per RFC 9110.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, challenge, errCode, description string) {
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q,"error_description":%q}`, errCode, description)
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
