package endpoint

import (
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStringRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := (&StringRenderer{Status: http.StatusAccepted, Body: "ok"}).Render(rec, nil); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusAccepted || rec.Body.String() != "ok" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec = httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/csv")
	(&StringRenderer{Body: "a,b", ContentType: "text/plain"}).Render(rec, nil)
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected existing content type kept, got %q", ct)
	}
}

func TestNoContentRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	r := &NoContentRenderer{Header: http.Header{"Allow": {"POST", "OPTIONS"}}}
	if err := r.Render(rec, nil); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Values("Allow"); len(got) != 2 {
		t.Fatalf("expected two Allow values, got %v", got)
	}
}

func TestRedirectRenderer(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   int
	}{
		{"default", 0, http.StatusTemporaryRedirect},
		{"found", http.StatusFound, http.StatusFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
			(&RedirectRenderer{URL: "https://shopify.com/authentication/1/oauth/authorize?state=s", Status: tc.status}).Render(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://shopify.com/authentication/1/") {
				t.Fatalf("unexpected Location %q", loc)
			}
			if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
				t.Fatalf("expected no-store, got %q", cc)
			}
		})
	}
}

func TestJSONRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	err := (&JSONRenderer{Status: http.StatusCreated, Value: map[string]string{"returnTo": "/account?a=1&b=<2>"}}).Render(rec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected no-store, got %q", cc)
	}
	if !strings.Contains(rec.Body.String(), "&b=<2>") {
		t.Fatalf("expected HTML characters unescaped, got %s", rec.Body.String())
	}
}

func TestJSONRenderer_EncoderFactory(t *testing.T) {
	rec := httptest.NewRecorder()
	r := &JSONRenderer{
		Value: struct {
			A int `json:"a"`
		}{1},
		EncoderFactory: func(w io.Writer) *json.Encoder {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc
		},
	}
	if err := r.Render(rec, nil); err != nil {
		t.Fatal(err)
	}
	if rec.Body.String() != "{\n  \"a\": 1\n}\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestJSONErrorRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	JSONErrorRenderer(http.StatusBadGateway, "Token exchange failed", nil).Render(rec, nil)
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadGateway || body.Success || body.Error != "Token exchange failed" || body.Details != "" {
		t.Fatalf("unexpected response %d %+v", rec.Code, body)
	}
}

func TestHTMLTemplateRenderer(t *testing.T) {
	tmpl := template.Must(template.New("root").Parse(`{{define "error"}}<p>{{.Message}}</p>{{end}}`))

	rec := httptest.NewRecorder()
	r := &HTMLTemplateRenderer{
		Status:   http.StatusUnauthorized,
		Template: tmpl,
		Name:     "error",
		Values:   map[string]string{"Message": "<script>x</script>"},
	}
	if err := r.Render(rec, nil); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "<script>") {
		t.Fatalf("expected escaped output, got %s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec = httptest.NewRecorder()
	r.Name = "missing"
	if err := r.Render(rec, nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
	if rec.Body.Len() != 0 || rec.Header().Get("Content-Type") != "" {
		t.Fatal("expected nothing written on template error")
	}

	if err := (&HTMLTemplateRenderer{}).Render(httptest.NewRecorder(), nil); err == nil {
		t.Fatal("expected error for nil template")
	}
}
