package pkce

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateCodeVerifier_IsBase64URL(t *testing.T) {
	for range 50 {
		v, err := GenerateCodeVerifier()
		if err != nil {
			t.Fatalf("GenerateCodeVerifier: %v", err)
		}
		if len(v) != 43 {
			t.Fatalf("expected 43 chars, got %d (%q)", len(v), v)
		}
		if strings.ContainsAny(v, "+/=") {
			t.Fatalf("verifier %q is not base64url", v)
		}
	}
}

func TestGenerateCodeChallenge_Deterministic(t *testing.T) {
	// RFC 7636 appendix B.
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	const want = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := GenerateCodeChallenge(verifier); got != want {
		t.Fatalf("challenge = %q, want %q", got, want)
	}
	if GenerateCodeChallenge(verifier) != GenerateCodeChallenge(verifier) {
		t.Fatal("challenge is not deterministic")
	}
	if GenerateCodeChallenge(verifier) == GenerateCodeChallenge(verifier+"x") {
		t.Fatal("distinct verifiers produced the same challenge")
	}
	if !VerifyChallenge(verifier, want) {
		t.Error("VerifyChallenge rejected a matching pair")
	}
}

func TestGenerateState_Format(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	s, err := generateStateAt(now)
	if err != nil {
		t.Fatalf("generateStateAt: %v", err)
	}
	prefix, suffix, ok := strings.Cut(s, "-")
	if !ok {
		t.Fatalf("state %q has no separator", s)
	}
	if prefix != "1700000000123" {
		t.Errorf("unexpected timestamp prefix %q", prefix)
	}
	if len(suffix) != 22 {
		t.Errorf("expected 22 char random suffix, got %d", len(suffix))
	}

	issued, ok := StateIssuedAt(s)
	if !ok || !issued.Equal(now) {
		t.Errorf("StateIssuedAt = %v, %v", issued, ok)
	}
	if _, ok := StateIssuedAt("garbage"); ok {
		t.Error("expected StateIssuedAt to reject a value without prefix")
	}
}

func TestGenerateState_Unique(t *testing.T) {
	a, _ := GenerateState()
	b, _ := GenerateState()
	if a == b {
		t.Fatal("two states were equal")
	}
}

func TestGenerateNonce_LengthAndAlphabet(t *testing.T) {
	for _, n := range []int{1, 16, 32, 64} {
		nonce, err := GenerateNonce(n)
		if err != nil {
			t.Fatalf("GenerateNonce(%d): %v", n, err)
		}
		if len(nonce) != n {
			t.Errorf("GenerateNonce(%d) returned %d chars", n, len(nonce))
		}
		for _, c := range nonce {
			if !strings.ContainsRune(nonceAlphabet, c) {
				t.Errorf("unexpected character %q", c)
			}
		}
	}
	def, _ := GenerateNonce(0)
	if len(def) != DefaultNonceLength {
		t.Errorf("default nonce length %d", len(def))
	}
}

func TestGenerate(t *testing.T) {
	p, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if p.CodeChallenge != GenerateCodeChallenge(p.CodeVerifier) {
		t.Error("challenge does not match verifier")
	}
	if _, ok := StateIssuedAt(p.State); !ok {
		t.Error("state lacks timestamp prefix")
	}
}
