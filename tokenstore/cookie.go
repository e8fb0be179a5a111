package tokenstore

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/storefront/middleware"
)

const (
	// DefaultCookieName is the token cookie name.
	DefaultCookieName = "sf_token"
	// DefaultCookieMaxAge bounds how long the browser keeps the token cookie.
	DefaultCookieMaxAge = 30 * 24 * time.Hour
)

// CookieStore keeps the token in a sealed persistent cookie shared by every
// tab of the browser. Bind it to a request to get a Store.
type CookieStore struct {
	cookie middleware.SealedCookie
	maxAge time.Duration
}

// NewCookieStore returns a CookieStore sealing with keys[keyID].
// maxAge <= 0 uses DefaultCookieMaxAge.
func NewCookieStore(keyID string, keys map[string][]byte, maxAge time.Duration, opts ...middleware.CookieOption) (*CookieStore, error) {
	c, err := middleware.NewSealedCookie(DefaultCookieName, keyID, keys, opts...)
	if err != nil {
		return nil, err
	}
	if maxAge <= 0 {
		maxAge = DefaultCookieMaxAge
	}
	return &CookieStore{cookie: c, maxAge: maxAge}, nil
}

// Bind returns a Store reading the cookie from r and writing it to w.
func (c *CookieStore) Bind(w http.ResponseWriter, r *http.Request) Store {
	return &boundToken{cs: c, w: w, r: r}
}

type boundToken struct {
	cs *CookieStore
	w  http.ResponseWriter
	r  *http.Request

	token   *Token
	cleared bool
}

func (b *boundToken) Store(_ context.Context, t Token) error {
	ck, err := b.cs.cookie.Seal(t, int(b.cs.maxAge.Seconds()))
	if err != nil {
		return err
	}
	middleware.ReplaceCookie(b.w, ck)
	b.token, b.cleared = &t, false
	return nil
}

func (b *boundToken) Read(_ context.Context) (Token, bool, error) {
	if b.cleared {
		return Token{}, false, nil
	}
	if b.token != nil {
		return *b.token, true, nil
	}
	ck, err := b.r.Cookie(b.cs.cookie.Name())
	if errors.Is(err, http.ErrNoCookie) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	var t Token
	if err := b.cs.cookie.Open(ck, &t); err != nil {
		// Unreadable cookies are treated as logged out.
		return Token{}, false, nil
	}
	return t, true, nil
}

func (b *boundToken) Clear(_ context.Context) error {
	middleware.ReplaceCookie(b.w, b.cs.cookie.Clear())
	b.token, b.cleared = nil, true
	return nil
}
