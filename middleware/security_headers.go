package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mnehpets/storefront/endpoint"
)

// SecurityHeadersProcessor sets security headers and, when CORS is
// configured, answers CORS preflight requests.
//
// NewSecurityHeadersProcessor returns defaults for the login and callback
// pages; NewAPISecurityHeadersProcessor returns stricter defaults for the JSON
// token API.
type SecurityHeadersProcessor struct {
	// HSTS configures Strict-Transport-Security. Nil disables it.
	HSTS *HSTSConfig

	ReferrerPolicy        string
	FrameOptions          string
	ContentTypeOptions    bool
	ContentSecurityPolicy string

	CrossOriginOpenerPolicy   string
	CrossOriginResourcePolicy string

	// CORS configures cross-origin access. Nil disables CORS headers.
	CORS *CORSConfig
}

// HSTSConfig configures HTTP Strict Transport Security.
type HSTSConfig struct {
	MaxAge            int
	IncludeSubDomains bool
	Preload           bool
}

// CORSConfig configures Cross-Origin Resource Sharing.
type CORSConfig struct {
	// AllowedOrigins lists exact origins. "*" is honoured only without credentials.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// SecurityHeadersOption configures a SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

func defaultHSTS() *HSTSConfig {
	return &HSTSConfig{MaxAge: 31536000, IncludeSubDomains: true}
}

// NewSecurityHeadersProcessor returns defaults for HTML pages.
func NewSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		HSTS:                      defaultHSTS(),
		ReferrerPolicy:            "strict-origin-when-cross-origin",
		FrameOptions:              "DENY",
		ContentTypeOptions:        true,
		ContentSecurityPolicy:     "default-src 'self'; base-uri 'self'; form-action 'self'; frame-ancestors 'none'",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewAPISecurityHeadersProcessor returns defaults for JSON APIs.
func NewAPISecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		HSTS:                      defaultHSTS(),
		ReferrerPolicy:            "no-referrer",
		FrameOptions:              "DENY",
		ContentTypeOptions:        true,
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none'",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithoutHSTS disables HSTS, for plain-http development servers.
func WithoutHSTS() SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTS = nil
	}
}

// WithCSP sets the Content-Security-Policy header.
func WithCSP(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ContentSecurityPolicy = policy
	}
}

// WithCORS configures CORS.
func WithCORS(config *CORSConfig) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.CORS = config
	}
}

// AppOriginCORS restricts cross-origin access to the application origin.
func AppOriginCORS(appURL string) *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: []string{strings.TrimRight(appURL, "/")},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         600,
	}
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if v := formatHSTS(p.HSTS); v != "" {
		h.Set("Strict-Transport-Security", v)
	}
	setIf(h, "Referrer-Policy", p.ReferrerPolicy)
	setIf(h, "X-Frame-Options", p.FrameOptions)
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	setIf(h, "Content-Security-Policy", p.ContentSecurityPolicy)
	setIf(h, "Cross-Origin-Opener-Policy", p.CrossOriginOpenerPolicy)
	setIf(h, "Cross-Origin-Resource-Policy", p.CrossOriginResourcePolicy)

	if p.CORS != nil {
		setCORSHeaders(w, r, p.CORS)

		// Preflight: OPTIONS with Origin and Access-Control-Request-Method.
		if r.Method == http.MethodOptions &&
			r.Header.Get("Origin") != "" &&
			r.Header.Get("Access-Control-Request-Method") != "" {
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}
	return next(w, r)
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func formatHSTS(config *HSTSConfig) string {
	if config == nil || config.MaxAge <= 0 {
		return ""
	}
	parts := []string{"max-age=" + strconv.Itoa(config.MaxAge)}
	if config.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if config.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, "; ")
}

// setCORSHeaders writes CORS headers for requests carrying an Origin header.
// Disallowed origins receive no Access-Control-Allow-Origin.
func setCORSHeaders(w http.ResponseWriter, r *http.Request, config *CORSConfig) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Add("Vary", "Origin")

	switch {
	case slices.Contains(config.AllowedOrigins, origin):
		h.Set("Access-Control-Allow-Origin", origin)
	case slices.Contains(config.AllowedOrigins, "*") && !config.AllowCredentials:
		// '*' with credentials is forbidden by the CORS model.
		h.Set("Access-Control-Allow-Origin", "*")
	default:
		return
	}

	if config.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(config.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
	}
	if r.Method == http.MethodOptions {
		if len(config.AllowedMethods) > 0 {
			h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
		}
		if len(config.AllowedHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
		}
		if config.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
		}
	}
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
