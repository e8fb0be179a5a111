package flowstore

import (
	"errors"
	"net/http"

	"github.com/mnehpets/storefront/middleware"
)

// Cookie names used by CookieStore.
const (
	DefaultFlowCookie     = "sf_flow"
	DefaultReturnToCookie = "sf_return"
)

// CookieStore keeps the flow and redirect target in two sealed
// browser-session cookies. Bind it to a request to get a Store.
type CookieStore struct {
	flow     middleware.SealedCookie
	returnTo middleware.SealedCookie
}

// NewCookieStore returns a CookieStore sealing with keys[keyID].
// Cookies default to path /auth; opts override attributes.
func NewCookieStore(keyID string, keys map[string][]byte, opts ...middleware.CookieOption) (*CookieStore, error) {
	opts = append([]middleware.CookieOption{middleware.WithPath("/auth")}, opts...)
	flow, err := middleware.NewSealedCookie(DefaultFlowCookie, keyID, keys, opts...)
	if err != nil {
		return nil, err
	}
	returnTo, err := middleware.NewSealedCookie(DefaultReturnToCookie, keyID, keys, opts...)
	if err != nil {
		return nil, err
	}
	return &CookieStore{flow: flow, returnTo: returnTo}, nil
}

// Bind returns a Store that reads cookies from r and writes them to w.
// Writes are visible to later reads on the same bound store.
func (c *CookieStore) Bind(w http.ResponseWriter, r *http.Request) Store {
	return &boundCookies{cs: c, w: w, r: r}
}

type boundCookies struct {
	cs *CookieStore
	w  http.ResponseWriter
	r  *http.Request

	// Overlays for values written during this request.
	flow       *Flow
	flowGone   bool
	returnTo   *string
	returnGone bool
}

func (b *boundCookies) Save(f Flow) error {
	// Session cookie: no Max-Age.
	ck, err := b.cs.flow.Seal(f, 0)
	if err != nil {
		return err
	}
	middleware.ReplaceCookie(b.w, ck)
	b.flow, b.flowGone = &f, false
	return nil
}

func (b *boundCookies) Load() (Flow, bool, error) {
	if b.flowGone {
		return Flow{}, false, nil
	}
	if b.flow != nil {
		return *b.flow, true, nil
	}
	var f Flow
	ok, err := b.open(b.cs.flow, &f)
	return f, ok, err
}

func (b *boundCookies) Clear() error {
	middleware.ReplaceCookie(b.w, b.cs.flow.Clear())
	b.flow, b.flowGone = nil, true
	return nil
}

func (b *boundCookies) SetReturnTo(target string) error {
	ck, err := b.cs.returnTo.Seal(target, 0)
	if err != nil {
		return err
	}
	middleware.ReplaceCookie(b.w, ck)
	b.returnTo, b.returnGone = &target, false
	return nil
}

func (b *boundCookies) ReturnTo() (string, bool, error) {
	if b.returnGone {
		return "", false, nil
	}
	if b.returnTo != nil {
		return *b.returnTo, true, nil
	}
	var target string
	ok, err := b.open(b.cs.returnTo, &target)
	return target, ok, err
}

func (b *boundCookies) ClearReturnTo() error {
	middleware.ReplaceCookie(b.w, b.cs.returnTo.Clear())
	b.returnTo, b.returnGone = nil, true
	return nil
}

// open reads and unseals the named request cookie. A cookie that fails to
// open is treated as absent: it was sealed under a retired key or tampered
// with, and either way the flow must restart.
func (b *boundCookies) open(sc middleware.SealedCookie, v any) (bool, error) {
	ck, err := b.r.Cookie(sc.Name())
	if errors.Is(err, http.ErrNoCookie) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := sc.Open(ck, v); err != nil {
		return false, nil
	}
	return true, nil
}
