// Package pkce generates the one-time values of an authorization code flow:
// the PKCE code verifier and S256 challenge, the CSRF state and the OIDC
// nonce. All randomness comes from crypto/rand.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// verifierBytes is the number of random bytes in a code verifier.
// 32 bytes encode to 43 characters, the RFC 7636 minimum.
const verifierBytes = 32

// stateRandomBytes is the random suffix length of a state value.
const stateRandomBytes = 16

// DefaultNonceLength is the nonce length used when none is given.
const DefaultNonceLength = 16

// ChallengeMethod is the only supported challenge method.
const ChallengeMethod = "S256"

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Params are the per-attempt PKCE values.
type Params struct {
	CodeVerifier  string
	CodeChallenge string
	State         string
}

// Generate returns a fresh verifier, its challenge and a state.
func Generate() (Params, error) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return Params{}, err
	}
	state, err := GenerateState()
	if err != nil {
		return Params{}, err
	}
	return Params{
		CodeVerifier:  verifier,
		CodeChallenge: GenerateCodeChallenge(verifier),
		State:         state,
	}, nil
}

// GenerateCodeVerifier returns 32 random bytes, base64url encoded without padding.
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeChallenge returns base64url(SHA-256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyChallenge reports whether challenge is the S256 challenge of verifier.
func VerifyChallenge(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(GenerateCodeChallenge(verifier)), []byte(challenge)) == 1
}

// GenerateState returns "<unix-ms>-<base64url(16 random bytes)>".
func GenerateState() (string, error) {
	return generateStateAt(time.Now())
}

func generateStateAt(now time.Time) (string, error) {
	b := make([]byte, stateRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: generate state: %w", err)
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + base64.RawURLEncoding.EncodeToString(b), nil
}

// StateIssuedAt parses the timestamp prefix of a state produced by
// GenerateState.
func StateIssuedAt(state string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(state, "-")
	if !ok || prefix == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// GenerateNonce returns length characters drawn uniformly from [A-Za-z0-9].
// A length <= 0 means DefaultNonceLength.
func GenerateNonce(length int) (string, error) {
	if length <= 0 {
		length = DefaultNonceLength
	}
	max := big.NewInt(int64(len(nonceAlphabet)))
	var sb strings.Builder
	sb.Grow(length)
	for range length {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("pkce: generate nonce: %w", err)
		}
		sb.WriteByte(nonceAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
