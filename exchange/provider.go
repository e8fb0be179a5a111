package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/resilience"
)

// maxDetailBody bounds how much of a provider body is echoed in dev detail.
const maxDetailBody = 200

// maxExpiresIn bounds the provider's expires_in (one year, in seconds).
const maxExpiresIn = 365 * 24 * 60 * 60

// ProviderToken is a validated provider token response.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int64
}

// TokenProvider performs the two grants against the identity provider.
// Errors are *autherr.Error values carrying the client-facing status.
type TokenProvider interface {
	ExchangeCode(ctx context.Context, code, codeVerifier string) (ProviderToken, error)
	Refresh(ctx context.Context, refreshToken string) (ProviderToken, error)
}

// ProviderClient is the TokenProvider for an OAuth 2.0 token endpoint.
type ProviderClient struct {
	oauth  *oauth2.Config
	client *http.Client
	exec   *resilience.Executor[*oauth2.Token]
}

// ProviderOption configures a ProviderClient.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	transport http.RoundTripper
	retry     resilience.RetryConfig
	breaker   *resilience.BreakerConfig
}

// WithTransport sets the base transport for provider calls.
func WithTransport(rt http.RoundTripper) ProviderOption {
	return func(o *providerOptions) {
		o.transport = rt
	}
}

// WithRetry replaces the retry settings. ShouldRetry is always set by the client.
func WithRetry(rc resilience.RetryConfig) ProviderOption {
	return func(o *providerOptions) {
		o.retry = rc
	}
}

// WithBreaker replaces the circuit breaker settings. Nil disables the breaker.
func WithBreaker(bc *resilience.BreakerConfig) ProviderOption {
	return func(o *providerOptions) {
		o.breaker = bc
	}
}

// NewProviderClient returns a client for cfg's token endpoint.
func NewProviderClient(cfg Config, opts ...ProviderOption) *ProviderClient {
	bc := resilience.DefaultBreakerConfig("provider-token")
	o := providerOptions{retry: resilience.DefaultRetryConfig, breaker: &bc}
	for _, opt := range opts {
		opt(&o)
	}
	o.retry.ShouldRetry = retryable

	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	header := http.Header{}
	header.Set("Origin", AppOrigin(cfg.AppURL))
	header.Set("User-Agent", ua)
	header.Set("Accept", "application/json")

	return &ProviderClient{
		oauth:  cfg.OAuth2Config(),
		client: resilience.NewHTTPClient(o.transport, header),
		exec:   resilience.NewExecutor[*oauth2.Token](o.retry, o.breaker),
	}
}

// ExchangeCode trades an authorization code and its PKCE verifier for tokens.
func (p *ProviderClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (ProviderToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.exec.Execute(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return p.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	})
	if err != nil {
		return ProviderToken{}, classify(err, false)
	}
	return validate(tok)
}

// Refresh trades a refresh token for a new token set. Providers that do not
// rotate refresh tokens get the presented one carried over.
func (p *ProviderClient) Refresh(ctx context.Context, refreshToken string) (ProviderToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.exec.Execute(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
	if err != nil {
		return ProviderToken{}, classify(err, true)
	}
	pt, err := validate(tok)
	if err != nil {
		return ProviderToken{}, err
	}
	// Refresh responses carry no id_token for this flow.
	pt.IDToken = ""
	return pt, nil
}

// retryable reports whether a failed provider call may succeed on repeat:
// transport failures and 5xx/429 responses.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response == nil {
			return false
		}
		sc := re.Response.StatusCode
		return sc >= 500 || sc == http.StatusTooManyRequests
	}
	return isTransport(err)
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// classify turns a provider call error into a client-facing error.
func classify(err error, refresh bool) *autherr.Error {
	if resilience.IsOpen(err) {
		return autherr.Wrap(autherr.KindTransport, "The authentication service is temporarily unavailable. Please try again shortly.", err).
			WithDetail("circuit breaker open")
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return mapProviderStatus(re.Response.StatusCode, re.ErrorCode, re.Body, refresh).WithCause(err)
	}
	if isTransport(err) {
		return autherr.Wrap(autherr.KindTransport, "Unable to reach the authentication service. Please try again.", err).
			WithDetail("transport: %v", err)
	}
	return autherr.Wrap(autherr.KindExchange, "Invalid response from the authentication service.", err).
		WithStatus(http.StatusBadGateway).
		WithDetail("%v", err)
}

// mapProviderStatus maps a provider HTTP failure to a client-facing error.
// For refresh, a provider 400 is reported as 401 so clients know to log in again.
func mapProviderStatus(status int, code string, body []byte, refresh bool) *autherr.Error {
	text := strings.ToLower(code + " " + string(body))
	var e *autherr.Error
	switch status {
	case http.StatusBadRequest:
		var msg string
		switch {
		case strings.Contains(text, "invalid_grant"):
			if refresh {
				msg = "Your session has expired. Please sign in again."
			} else {
				msg = "The authorization code is invalid or has expired. Please sign in again."
			}
		case strings.Contains(text, "invalid_client"):
			msg = "Invalid client configuration. Please contact support."
		case strings.Contains(text, "redirect_uri_mismatch"):
			msg = "Redirect URI mismatch. Please check the application configuration."
		default:
			msg = "Invalid request. The authorization code may have expired or the parameters are incorrect."
		}
		e = autherr.New(autherr.KindExchange, msg).WithStatus(http.StatusBadRequest)
		if refresh {
			e.Kind = autherr.KindSessionExpired
			e.Status = http.StatusUnauthorized
		}
	case http.StatusUnauthorized:
		e = autherr.New(autherr.KindExchange, "Invalid client credentials.").WithStatus(http.StatusUnauthorized)
	case http.StatusForbidden:
		e = autherr.New(autherr.KindExchange, "Access forbidden. Please check the application configuration.").WithStatus(http.StatusForbidden)
	case http.StatusNotFound:
		e = autherr.New(autherr.KindExchange, "Invalid shop or token endpoint. Please check the configuration.").WithStatus(http.StatusNotFound)
	default:
		st := status
		if st < 400 || st >= 500 {
			st = http.StatusBadGateway
		}
		e = autherr.New(autherr.KindExchange, fmt.Sprintf("Token exchange failed with status %d. Please try again.", status)).WithStatus(st)
	}
	return e.WithDetail("provider status %d: %s", status, truncate(body, maxDetailBody))
}

// validate enforces the required response fields.
func validate(tok *oauth2.Token) (ProviderToken, error) {
	if tok == nil {
		return ProviderToken{}, invalidResponse("empty token response")
	}
	var missing []string
	if tok.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if tok.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	expiresIn, ok := expiresInOf(tok)
	if !ok || expiresIn <= 0 || expiresIn > maxExpiresIn {
		missing = append(missing, "expires_in")
	}
	if len(missing) > 0 {
		return ProviderToken{}, invalidResponse("missing or invalid " + strings.Join(missing, ", "))
	}
	idToken, _ := tok.Extra("id_token").(string)
	return ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		ExpiresIn:    expiresIn,
	}, nil
}

func invalidResponse(detail string) *autherr.Error {
	return autherr.New(autherr.KindExchange, "Invalid token response from the authentication service.").
		WithStatus(http.StatusBadGateway).
		WithDetail("%s", detail)
}

// expiresInOf reads expires_in from the raw response, accepting JSON numbers
// and numeric strings.
func expiresInOf(tok *oauth2.Token) (int64, bool) {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > maxExpiresIn || v < 0 {
			return 0, false
		}
		return int64(v), v == float64(int64(v))
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn, true
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
