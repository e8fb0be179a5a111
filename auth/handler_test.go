package auth

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/exchange"
	"github.com/mnehpets/storefront/flowstore"
	"github.com/mnehpets/storefront/middleware"
	"github.com/mnehpets/storefront/pkce"
	"github.com/mnehpets/storefront/tokenstore"
)

func TestBegin_AuthorizationURL(t *testing.T) {
	flows := flowstore.NewMemory()
	authURL, err := NewInitiator(testConfig("https://id.example")).Begin(context.Background(), flows,
		LoginRequest{LoginHint: "jane@example.com"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != "https://id.example/authentication/1234/oauth/authorize" {
		t.Fatalf("endpoint: %q", got)
	}

	flow, ok, _ := flows.Load()
	if !ok {
		t.Fatalf("flow not saved")
	}
	q := u.Query()
	want := map[string]string{
		"scope":                 "openid email customer-account-api:full",
		"client_id":             "client-1",
		"response_type":         "code",
		"redirect_uri":          testAppURL + "/auth/callback",
		"state":                 flow.State,
		"nonce":                 flow.Nonce,
		"code_challenge":        pkce.GenerateCodeChallenge(flow.CodeVerifier),
		"code_challenge_method": "S256",
		"login_hint":            "jane@example.com",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s: got %q want %q", k, got, v)
		}
	}
	if len(flow.Nonce) != pkce.DefaultNonceLength {
		t.Errorf("nonce length: %d", len(flow.Nonce))
	}
	if _, ok := pkce.StateIssuedAt(flow.State); !ok {
		t.Errorf("state has no timestamp: %q", flow.State)
	}
	if target, _, _ := flows.ReturnTo(); target != DefaultReturnTo {
		t.Errorf("return target: %q", target)
	}
}

func TestBegin_NoLoginHint(t *testing.T) {
	authURL, err := NewInitiator(testConfig("")).Begin(context.Background(), flowstore.NewMemory(), LoginRequest{})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	u, _ := url.Parse(authURL)
	if _, ok := u.Query()["login_hint"]; ok {
		t.Fatalf("login_hint present without a hint: %s", authURL)
	}
	if !strings.HasPrefix(authURL, exchange.DefaultProviderURL+"/authentication/1234/oauth/authorize?") {
		t.Fatalf("default provider not used: %s", authURL)
	}
}

func TestBegin_FreshValuesEachTime(t *testing.T) {
	in := NewInitiator(testConfig(""))
	a, b := flowstore.NewMemory(), flowstore.NewMemory()
	in.Begin(context.Background(), a, LoginRequest{})
	in.Begin(context.Background(), b, LoginRequest{})
	fa, _, _ := a.Load()
	fb, _, _ := b.Load()
	if fa.State == fb.State || fa.CodeVerifier == fb.CodeVerifier || fa.Nonce == fb.Nonce {
		t.Fatalf("values reused across logins")
	}
}

func TestBegin_ConfigurationError(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no shop", Config{ClientID: "c", AppURL: testAppURL}, "shop id"},
		{"no client", Config{ShopID: "1", AppURL: testAppURL}, "client id"},
		{"no app url", Config{ShopID: "1", ClientID: "c"}, "app URL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			flows := flowstore.NewMemory()
			u, err := NewInitiator(tc.cfg).Begin(context.Background(), flows, LoginRequest{})
			if u != "" || autherr.KindOf(err) != autherr.KindConfiguration {
				t.Fatalf("got url=%q err=%v", u, err)
			}
			ae, _ := autherr.As(err)
			if !strings.Contains(ae.Detail, tc.want) {
				t.Fatalf("detail %q does not name %q", ae.Detail, tc.want)
			}
			if !flowstore.Empty(flows) {
				t.Fatalf("flow saved despite configuration error")
			}
		})
	}
}

func TestValidateNextURLIsLocal(t *testing.T) {
	tests := map[string]string{
		"":                     DefaultReturnTo,
		"/orders?id=1":         "/orders?id=1",
		"https://evil.example": DefaultReturnTo,
		"//evil.example/x":     DefaultReturnTo,
		"/\\evil.example":      DefaultReturnTo,
		"orders":               DefaultReturnTo,
		"/a\r\nSet-Cookie: x":  DefaultReturnTo,
	}
	for in, want := range tests {
		if got := ValidateNextURLIsLocal(in); got != want {
			t.Errorf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestExchangeClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   autherr.Kind
		wantMsg    string
		wantDetail string
	}{
		{"json error", 400, `{"success":false,"error":"Authorization code has already been used."}`, autherr.KindExchange, "already been used", ""},
		{"json with details", 502, `{"success":false,"error":"Token exchange failed","details":"provider status 500"}`, autherr.KindExchange, "Token exchange failed", "provider status 500"},
		{"session expired", 401, `{"success":false,"error":"Your session has expired."}`, autherr.KindSessionExpired, "expired", ""},
		{"config", 500, `{"success":false,"error":"Server configuration error"}`, autherr.KindConfiguration, "Server configuration error", ""},
		{"html body", 502, "<html>" + strings.Repeat("x", 400) + "</html>", autherr.KindExchange, "status 502", "HTTP 502: <html>"},
		{"empty body", 503, "", autherr.KindTransport, "status 503", "HTTP 503"},
		{"success false", 200, `{"success":false}`, autherr.KindExchange, "Invalid response", "no token"},
		{"not json", 200, `ok`, autherr.KindExchange, "Invalid response", "HTTP 200: ok"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewExchangeClient(srv.URL).ExchangeCode(context.Background(), exchange.TokenRequest{Code: "c", CodeVerifier: "v"})
			ae, ok := autherr.As(err)
			if !ok {
				t.Fatalf("not an autherr: %v", err)
			}
			if ae.Kind != tc.wantKind || !strings.Contains(ae.Message, tc.wantMsg) || !strings.Contains(ae.Detail, tc.wantDetail) {
				t.Fatalf("got kind=%v msg=%q detail=%q", ae.Kind, ae.Message, ae.Detail)
			}
			if len(ae.Detail) > 220 {
				t.Fatalf("detail not truncated: %d bytes", len(ae.Detail))
			}
		})
	}
}

func TestExchangeClient_Transport(t *testing.T) {
	_, err := NewExchangeClient("http://127.0.0.1:1").Refresh(context.Background(), "rt")
	if autherr.KindOf(err) != autherr.KindTransport {
		t.Fatalf("got %v", err)
	}
}

func TestExchangeClient_SendsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != exchange.RefreshPath || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"token":{"accessToken":"AT2","refreshToken":"RT2","expiresAt":"2030-01-01T00:00:00Z","expiresIn":3600}}`))
	}))
	defer srv.Close()

	tok, err := NewExchangeClient(srv.URL + "/").Refresh(context.Background(), "rt")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "AT2" || tok.RefreshToken != "RT2" || tok.ExpiresIn != 3600 {
		t.Fatalf("token: %+v", tok)
	}
}

type routeEnv struct {
	handler *Handler
	ex      *fakeExchanger
	flows   *flowstore.CookieStore
	tokens  *tokenstore.CookieStore
	results []Result
}

func newRouteEnv(t *testing.T, cfg Config, dev bool) *routeEnv {
	t.Helper()
	k := make([]byte, middleware.DefaultAEADKeysize)
	rand.Read(k)
	keys := map[string][]byte{"k1": k}
	flows, err := flowstore.NewCookieStore("k1", keys)
	if err != nil {
		t.Fatalf("flowstore: %v", err)
	}
	tokens, err := tokenstore.NewCookieStore("k1", keys, 0)
	if err != nil {
		t.Fatalf("tokenstore: %v", err)
	}
	env := &routeEnv{ex: &fakeExchanger{tok: validToken()}, flows: flows, tokens: tokens}
	env.handler = NewHandler(NewInitiator(cfg), env.ex,
		func(w http.ResponseWriter, r *http.Request) flowstore.Store { return flows.Bind(w, r) },
		func(w http.ResponseWriter, r *http.Request) tokenstore.Store { return tokens.Bind(w, r) },
		WithDev(dev),
		WithResultHook(func(res Result) { env.results = append(env.results, res) }),
	)
	return env
}

func cookieNamed(cs []*http.Cookie, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range cs {
		if c.Name == name {
			found = c
		}
	}
	return found
}

func TestRoutes_LoginCallbackSuccess(t *testing.T) {
	env := newRouteEnv(t, testConfig(""), false)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, LoginPath+"?return_to=/orders&login_hint=a%40b.example", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	state := loc.Query().Get("state")
	if state == "" || loc.Query().Get("login_hint") != "a@b.example" {
		t.Fatalf("login redirect: %s", loc)
	}
	flowCk := cookieNamed(w.Result().Cookies(), flowstore.DefaultFlowCookie)
	returnCk := cookieNamed(w.Result().Cookies(), flowstore.DefaultReturnToCookie)
	if flowCk == nil || returnCk == nil {
		t.Fatalf("flow cookies not set")
	}

	r := httptest.NewRequest(http.MethodGet, CallbackPath+"?code=abc&state="+url.QueryEscape(state), nil)
	r.AddCookie(flowCk)
	r.AddCookie(returnCk)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("callback: status %d body %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `content="2;url=/orders"`) {
		t.Fatalf("success page has no delayed redirect: %s", body)
	}
	if len(env.ex.calls) != 1 || env.ex.calls[0].Code != "abc" {
		t.Fatalf("exchange calls: %+v", env.ex.calls)
	}
	cks := w.Result().Cookies()
	if ck := cookieNamed(cks, tokenstore.DefaultCookieName); ck == nil || ck.MaxAge <= 0 {
		t.Fatalf("token cookie not set: %+v", ck)
	}
	for _, name := range []string{flowstore.DefaultFlowCookie, flowstore.DefaultReturnToCookie} {
		if ck := cookieNamed(cks, name); ck == nil || ck.MaxAge >= 0 {
			t.Fatalf("%s not cleared: %+v", name, ck)
		}
	}
	if len(env.results) != 1 || env.results[0].Status != StatusSuccess {
		t.Fatalf("result hook: %+v", env.results)
	}
}

func TestRoutes_CallbackErrorPage(t *testing.T) {
	env := newRouteEnv(t, testConfig(""), false)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, CallbackPath+"?error=access_denied&error_description=no", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Try again") || !strings.Contains(body, `href="`+RetryPath+`"`) {
		t.Fatalf("error page has no retry link: %s", body)
	}
	if strings.Contains(body, "provider error") {
		t.Fatalf("detail shown outside dev mode: %s", body)
	}
	if strings.Contains(body, "http-equiv") {
		t.Fatalf("error page redirects: %s", body)
	}
}

func TestRoutes_CallbackErrorDetailInDev(t *testing.T) {
	env := newRouteEnv(t, testConfig(""), true)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, CallbackPath+"?error=access_denied&error_description=no", nil))
	if !strings.Contains(w.Body.String(), "provider error access_denied") {
		t.Fatalf("detail missing in dev mode: %s", w.Body.String())
	}
}

func TestRoutes_LoginConfigurationError(t *testing.T) {
	env := newRouteEnv(t, Config{}, false)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, LoginPath, nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", w.Code)
	}
	if w.Header().Get("Location") != "" {
		t.Fatalf("redirected despite configuration error")
	}
	if len(w.Result().Cookies()) != 0 {
		t.Fatalf("cookies set despite configuration error")
	}
}

func TestRoutes_Retry(t *testing.T) {
	env := newRouteEnv(t, testConfig(""), false)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, LoginPath, nil))
	flowCk := cookieNamed(w.Result().Cookies(), flowstore.DefaultFlowCookie)

	r := httptest.NewRequest(http.MethodGet, RetryPath, nil)
	r.AddCookie(flowCk)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	if w.Code != http.StatusFound || w.Header().Get("Location") != LoginPath {
		t.Fatalf("retry: status %d location %q", w.Code, w.Header().Get("Location"))
	}
	if ck := cookieNamed(w.Result().Cookies(), flowstore.DefaultFlowCookie); ck == nil || ck.MaxAge >= 0 {
		t.Fatalf("flow cookie not cleared: %+v", ck)
	}
	if len(env.ex.calls) != 0 {
		t.Fatalf("retry ran an exchange")
	}
}
