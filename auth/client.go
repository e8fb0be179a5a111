package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/exchange"
	"github.com/mnehpets/storefront/resilience"
	"github.com/mnehpets/storefront/tokenstore"
)

const (
	// maxResponseBody bounds how much of a token API response is read.
	maxResponseBody = 64 << 10
	// maxDetailBody bounds how much of a non-JSON body is kept for diagnosis.
	maxDetailBody = 200
)

// ExchangeClient calls the token API. It implements TokenExchanger and the
// refresher used by the auth state manager.
type ExchangeClient struct {
	baseURL string
	client  *http.Client
}

// ClientOption configures an ExchangeClient.
type ClientOption func(*ExchangeClient)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(ec *ExchangeClient) {
		ec.client = c
	}
}

// NewExchangeClient returns a client for the token API served at baseURL.
// Calls are not retried: an authorization code is single-use.
func NewExchangeClient(baseURL string, opts ...ClientOption) *ExchangeClient {
	header := http.Header{}
	header.Set("Accept", "application/json")
	ec := &ExchangeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &resilience.HeaderTransport{Base: resilience.SharedTransport(), Header: header},
			Timeout:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// ExchangeCode posts req to the token endpoint.
func (c *ExchangeClient) ExchangeCode(ctx context.Context, req exchange.TokenRequest) (tokenstore.Token, error) {
	return c.post(ctx, exchange.TokenPath, req)
}

// Refresh posts refreshToken to the refresh endpoint.
func (c *ExchangeClient) Refresh(ctx context.Context, refreshToken string) (tokenstore.Token, error) {
	return c.post(ctx, exchange.RefreshPath, exchange.RefreshRequest{RefreshToken: refreshToken})
}

func (c *ExchangeClient) post(ctx context.Context, path string, body any) (tokenstore.Token, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return tokenstore.Token{}, autherr.Wrap(autherr.KindServer, "Unable to contact the sign-in service. Please try again.", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return tokenstore.Token{}, autherr.Wrap(autherr.KindConfiguration, "Sign in is not configured. Please contact support.", err).
			WithDetail("token API URL: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return tokenstore.Token{}, autherr.Wrap(autherr.KindTransport, "Unable to reach the sign-in service. Please check your connection and try again.", err).
			WithDetail("%v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return tokenstore.Token{}, autherr.Wrap(autherr.KindTransport, "The connection to the sign-in service was interrupted. Please try again.", err).
			WithDetail("read body: %v", err)
	}

	var tr exchange.TokenResponse
	jsonErr := json.Unmarshal(raw, &tr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if jsonErr == nil && tr.Error != "" {
			e := autherr.New(kindForStatus(resp.StatusCode, tr.Error), tr.Error).WithStatus(resp.StatusCode)
			if tr.Details != "" {
				e = e.WithDetail("%s", tr.Details)
			}
			return tokenstore.Token{}, e
		}
		return tokenstore.Token{}, autherr.New(kindForStatus(resp.StatusCode, ""), fmt.Sprintf("Token exchange failed with status %d. Please try again.", resp.StatusCode)).
			WithStatus(resp.StatusCode).
			WithDetail("HTTP %d: %s", resp.StatusCode, truncate(raw, maxDetailBody))
	}

	if jsonErr != nil || !tr.Success || tr.Token == nil || tr.Token.AccessToken == "" {
		e := autherr.New(autherr.KindExchange, "Invalid response from the sign-in service. Please try again.").
			WithStatus(http.StatusBadGateway)
		if jsonErr != nil {
			return tokenstore.Token{}, e.WithCause(jsonErr).WithDetail("HTTP %d: %s", resp.StatusCode, truncate(raw, maxDetailBody))
		}
		return tokenstore.Token{}, e.WithDetail("response has no token")
	}
	return *tr.Token, nil
}

// kindForStatus classifies a token API failure.
func kindForStatus(status int, message string) autherr.Kind {
	switch {
	case status == http.StatusUnauthorized:
		return autherr.KindSessionExpired
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return autherr.KindTransport
	case status == http.StatusInternalServerError && message == "Server configuration error":
		return autherr.KindConfiguration
	case status == http.StatusInternalServerError:
		return autherr.KindServer
	default:
		return autherr.KindExchange
	}
}
