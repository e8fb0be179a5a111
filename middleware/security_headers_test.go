package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mnehpets/storefront/endpoint"
)

const appOrigin = "https://shop.example.com"

func serve(t *testing.T, p *SecurityHeadersProcessor, req *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	h := endpoint.HandleJSON(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		called = true
		return &endpoint.JSONRenderer{Value: map[string]bool{"success": true}}, nil
	}, p)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec, called
}

func TestSecurityHeaders_PageDefaults(t *testing.T) {
	rec, called := serve(t, NewSecurityHeadersProcessor(), httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if !called {
		t.Fatal("endpoint not called")
	}
	want := map[string]string{
		"Strict-Transport-Security":    "max-age=31536000; includeSubDomains",
		"Referrer-Policy":              "strict-origin-when-cross-origin",
		"X-Frame-Options":              "DENY",
		"X-Content-Type-Options":       "nosniff",
		"Content-Security-Policy":      "default-src 'self'; base-uri 'self'; form-action 'self'; frame-ancestors 'none'",
		"Cross-Origin-Opener-Policy":   "same-origin",
		"Cross-Origin-Resource-Policy": "same-origin",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s: got %q want %q", k, got, v)
		}
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers set without CORS config")
	}
}

func TestSecurityHeaders_APIDefaults(t *testing.T) {
	rec, _ := serve(t, NewAPISecurityHeadersProcessor(WithoutHSTS()), httptest.NewRequest(http.MethodPost, "/api/auth/token", nil))
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS should be disabled, got %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Errorf("Referrer-Policy: got %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'none'; frame-ancestors 'none'" {
		t.Errorf("Content-Security-Policy: got %q", got)
	}
}

func TestSecurityHeaders_Options(t *testing.T) {
	p := NewSecurityHeadersProcessor(WithCSP("default-src 'none'"))
	p.HSTS = &HSTSConfig{MaxAge: 60, Preload: true}
	rec, _ := serve(t, p, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'none'" {
		t.Errorf("CSP: got %q", got)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=60; preload" {
		t.Errorf("HSTS: got %q", got)
	}
}

func TestCORS_AppOrigin(t *testing.T) {
	p := NewAPISecurityHeadersProcessor(WithCORS(AppOriginCORS(appOrigin + "/")))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", nil)
	req.Header.Set("Origin", appOrigin)
	rec, called := serve(t, p, req)
	if !called {
		t.Fatal("endpoint not called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != appOrigin {
		t.Fatalf("Allow-Origin: got %q want %q", got, appOrigin)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("Vary: got %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") != "" {
		t.Fatal("Allow-Methods should only be sent on OPTIONS")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/token", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec, called = serve(t, p, req)
	if !called {
		t.Fatal("disallowed origin should still reach the endpoint")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got Allow-Origin %q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	p := NewAPISecurityHeadersProcessor(WithCORS(AppOriginCORS(appOrigin)))
	req := httptest.NewRequest(http.MethodOptions, "/api/auth/refresh", nil)
	req.Header.Set("Origin", appOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec, called := serve(t, p, req)
	if called {
		t.Fatal("preflight should not reach the endpoint")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusNoContent)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":  appOrigin,
		"Access-Control-Allow-Methods": "POST, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, X-Request-ID",
		"Access-Control-Max-Age":       "600",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s: got %q want %q", k, got, v)
		}
	}
}

func TestCORS_WildcardAndCredentials(t *testing.T) {
	tests := []struct {
		name  string
		creds bool
		want  string
	}{
		{"wildcard", false, "*"},
		{"wildcard with credentials", true, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := NewAPISecurityHeadersProcessor(WithCORS(&CORSConfig{
				AllowedOrigins:   []string{"*"},
				AllowCredentials: tc.creds,
				ExposedHeaders:   []string{"X-Request-ID"},
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Origin", "https://any.example.com")
			rec, _ := serve(t, p, req)
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("Allow-Origin: got %q want %q", got, tc.want)
			}
			if tc.want != "" && rec.Header().Get("Access-Control-Expose-Headers") != "X-Request-ID" {
				t.Fatal("missing Expose-Headers")
			}
		})
	}
}
