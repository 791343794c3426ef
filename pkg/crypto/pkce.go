package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only PKCE challenge method supported (RFC 7636).
const PKCEMethodS256 = "S256"

// VerifyPKCE checks a code_verifier against a stored S256 code_challenge:
// base64url(SHA-256(verifier)) must equal the challenge. The comparison is
// constant-time.
//
// Challenge computation delegates to oauth2.S256ChallengeFromVerifier()
// from golang.org/x/oauth2.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
