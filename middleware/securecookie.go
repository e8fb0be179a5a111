package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid sealed cookie format")
	ErrCookieInvalid = errors.New("invalid sealed cookie")
	ErrCookieConfig  = errors.New("invalid sealed cookie configuration")
)

// maxCookieLen bounds the attacker-controlled data we decode for a cookie.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size in bytes of the default AEAD.
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SealedCookie seals values into cookies and opens them again.
type SealedCookie interface {
	Name() string
	// Seal encodes v. maxAge > 0 sets Max-Age; maxAge == 0 produces a
	// browser-session cookie that expires when the browsing session ends.
	Seal(v any, maxAge int) (*http.Cookie, error)
	Open(cookie *http.Cookie, v any) error
	// Clear returns a cookie that deletes this cookie in the client.
	Clear() *http.Cookie
}

// Sealer encrypts and authenticates cookie payloads with rotating keys.
//
// Format: keyID "." base64url(nonce || AEAD.Seal(plaintext, aad)).
// Keys holds every accepted key; KeyID selects the key used for sealing.
type Sealer struct {
	KeyID string
	Keys  map[string][]byte

	// NewAEAD constructs the AEAD for a key.
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSealer validates the key set and returns a Sealer.
func NewSealer(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Sealer, error) {
	if keys == nil {
		return nil, errors.New("keys must not be nil")
	}
	if _, ok := keys[keyID]; !ok {
		return nil, errors.New("keyID not found in keys")
	}
	if newAEAD == nil {
		return nil, errors.New("newAEAD must not be nil")
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", id, err)
		}
	}
	return &Sealer{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad.
func (s *Sealer) Seal(plain, aad []byte) (string, error) {
	if s == nil {
		return "", ErrCookieConfig
	}
	key, ok := s.Keys[s.KeyID]
	if !ok {
		return "", ErrCookieConfig
	}
	aead, err := s.NewAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return s.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts value, checking it against aad.
func (s *Sealer) Open(value string, aad []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrCookieConfig
	}
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := s.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := s.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// AEADCookie is the SealedCookie used for the login flow and token cookies.
// Payloads are CBOR encoded and sealed with XChaCha20-Poly1305 by default.
type AEADCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	sealer *Sealer

	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	newAEAD   func([]byte) (cipher.AEAD, error)
}

// CookieOption configures an AEADCookie.
type CookieOption func(*AEADCookie)

// WithCodec replaces the CBOR payload codec.
func WithCodec(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) CookieOption {
	return func(c *AEADCookie) {
		c.marshal = marshal
		c.unmarshal = unmarshal
	}
}

// WithAEAD replaces the AEAD factory (e.g. AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) CookieOption {
	return func(c *AEADCookie) {
		c.newAEAD = f
	}
}

// WithPath sets the cookie path.
func WithPath(path string) CookieOption {
	return func(c *AEADCookie) {
		c.path = path
	}
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) CookieOption {
	return func(c *AEADCookie) {
		c.domain = domain
	}
}

// WithSecure sets the Secure flag. Local development over plain http needs false.
func WithSecure(secure bool) CookieOption {
	return func(c *AEADCookie) {
		c.secure = secure
	}
}

// WithSameSite sets the SameSite attribute.
func WithSameSite(sameSite http.SameSite) CookieOption {
	return func(c *AEADCookie) {
		c.sameSite = sameSite
	}
}

// NewSealedCookie returns an AEADCookie.
//
// Defaults: path "/", HttpOnly, Secure, SameSite=Lax, CBOR payloads,
// XChaCha20-Poly1305.
func NewSealedCookie(name, keyID string, keys map[string][]byte, opts ...CookieOption) (*AEADCookie, error) {
	c := &AEADCookie{
		name:      name,
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
		newAEAD:   chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.path == "" {
		c.path = "/"
	}
	sealer, err := NewSealer(keyID, keys, c.newAEAD)
	if err != nil {
		return nil, err
	}
	c.sealer = sealer
	return c, nil
}

// Name returns the cookie name.
func (c *AEADCookie) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// aad binds the cookie name, domain, path and secure flag to the sealed value.
func (c *AEADCookie) aad() []byte {
	secure := "f"
	if c.secure {
		secure = "t"
	}
	return []byte(c.name + ":" + c.domain + ":" + c.path + ":" + secure)
}

// Seal marshals and seals v.
func (c *AEADCookie) Seal(v any, maxAge int) (*http.Cookie, error) {
	if maxAge < 0 {
		return nil, ErrCookieInvalid
	}
	if c.sealer == nil || c.marshal == nil {
		return nil, ErrCookieConfig
	}
	plain, err := c.marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := c.sealer.Seal(plain, c.aad())
	if err != nil {
		return nil, err
	}
	cookie := &http.Cookie{
		Name:     c.name,
		Value:    val,
		Path:     c.path,
		Domain:   c.domain,
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}
	if maxAge > 0 {
		cookie.MaxAge = maxAge
		cookie.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
	}
	return cookie, nil
}

// Open unseals the cookie into v.
func (c *AEADCookie) Open(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	if c.sealer == nil || c.unmarshal == nil {
		return ErrCookieConfig
	}
	plain, err := c.sealer.Open(cookie.Value, c.aad())
	if err != nil {
		return err
	}
	return c.unmarshal(plain, v)
}

// Clear returns a cookie that deletes this cookie in the client.
func (c *AEADCookie) Clear() *http.Cookie {
	if c == nil {
		return nil
	}
	return &http.Cookie{
		Name:     c.name,
		Domain:   c.domain,
		Path:     c.path,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}

// ReplaceCookie sets cookie on w, dropping any Set-Cookie already queued for
// the same name so the client sees only the last write of a request.
func ReplaceCookie(w http.ResponseWriter, cookie *http.Cookie) {
	if cookie == nil {
		return
	}
	h := w.Header()
	prefix := cookie.Name + "="
	kept := h.Values("Set-Cookie")[:0:0]
	for _, v := range h.Values("Set-Cookie") {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
	http.SetCookie(w, cookie)
}

// DecodeKeys decodes a map of base64 (standard or URL, padded or not) keys.
func DecodeKeys(encoded map[string]string) (map[string][]byte, error) {
	keys := make(map[string][]byte, len(encoded))
	for id, v := range encoded {
		v = strings.TrimSpace(v)
		var b []byte
		var err error
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if b, err = enc.DecodeString(v); err == nil {
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("cookie key %q: %w", id, err)
		}
		keys[id] = b
	}
	return keys, nil
}
