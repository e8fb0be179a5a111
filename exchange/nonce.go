package exchange

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var errNonceMismatch = errors.New("id_token nonce mismatch")

// idTokenAlgorithms are the header algorithms go-jose parses. Tokens with
// other algorithms, including "none", are read by decodePayload.
var idTokenAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
	jose.HS256, jose.HS384, jose.HS512,
}

type nonceClaims struct {
	Nonce string `json:"nonce"`
}

// unverifiedNonce returns the nonce claim of rawIDToken without checking
// its signature or algorithm. It cross-checks the nonce only; the token
// endpoint call itself is the trust boundary.
func unverifiedNonce(rawIDToken string) (string, error) {
	var claims nonceClaims
	if tok, err := jwt.ParseSigned(rawIDToken, idTokenAlgorithms); err == nil {
		if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
			return "", fmt.Errorf("decode id_token claims: %w", err)
		}
		return claims.Nonce, nil
	}
	if err := decodePayload(rawIDToken, &claims); err != nil {
		return "", err
	}
	return claims.Nonce, nil
}

// decodePayload decodes the base64url JSON payload segment of a compact JWT.
func decodePayload(rawIDToken string, v any) error {
	parts := strings.Split(rawIDToken, ".")
	if len(parts) != 3 {
		return errors.New("id_token is not a compact JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return fmt.Errorf("decode id_token payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode id_token claims: %w", err)
	}
	return nil
}

// checkNonce compares the id_token nonce with want. It returns
// errNonceMismatch on mismatch and any other error when the token cannot be
// decoded.
func checkNonce(rawIDToken, want string) error {
	got, err := unverifiedNonce(rawIDToken)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return errNonceMismatch
	}
	return nil
}

// IDTokenVerifier verifies id_token signatures and standard claims.
// *oidc.IDTokenVerifier implements it.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// NewOIDCVerifier discovers issuer's keys and returns a verifier for
// tokens issued to clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider %q: %v", issuer, err)
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}
