// Package profile fetches the signed-in customer from the Customer Account
// GraphQL API.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/exchange"
	"github.com/mnehpets/storefront/resilience"
)

// DefaultAPIVersion is the Customer Account API version queried.
const DefaultAPIVersion = "2025-01"

const maxResponseBody = 1 << 20

const customerQuery = `query Customer {
  customer {
    id
    firstName
    lastName
    emailAddress { emailAddress }
  }
}`

// Customer is the profile shown to a signed-in customer.
type Customer struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DisplayName returns the customer's name, or the email when no name is set.
func (c *Customer) DisplayName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return c.Email
	}
	return name
}

// Client queries the Customer Account API.
type Client struct {
	endpoint string
	client   *http.Client
	exec     *resilience.Executor[[]byte]
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	endpoint   string
	apiVersion string
	transport  http.RoundTripper
	retry      resilience.RetryConfig
}

// WithEndpoint replaces the GraphQL endpoint URL.
func WithEndpoint(u string) Option {
	return func(o *clientOptions) {
		o.endpoint = u
	}
}

// WithAPIVersion selects the API version.
func WithAPIVersion(v string) Option {
	return func(o *clientOptions) {
		o.apiVersion = v
	}
}

// WithTransport sets the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) {
		o.transport = rt
	}
}

// WithRetry replaces the retry settings.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(o *clientOptions) {
		o.retry = rc
	}
}

// Endpoint returns the Customer Account GraphQL URL of a shop.
func Endpoint(providerURL, shopID, apiVersion string) string {
	if providerURL == "" {
		providerURL = exchange.DefaultProviderURL
	}
	return strings.TrimRight(providerURL, "/") + "/" + url.PathEscape(shopID) + "/account/customer/api/" + apiVersion + "/graphql"
}

// NewClient returns a Client for shopID on providerURL.
func NewClient(providerURL, shopID string, opts ...Option) *Client {
	o := clientOptions{apiVersion: DefaultAPIVersion, retry: resilience.DefaultRetryConfig}
	for _, opt := range opts {
		opt(&o)
	}
	if o.endpoint == "" {
		o.endpoint = Endpoint(providerURL, shopID, o.apiVersion)
	}
	o.retry.ShouldRetry = retryable

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", exchange.DefaultUserAgent)
	return &Client{
		endpoint: o.endpoint,
		client:   resilience.NewHTTPClient(o.transport, header),
		exec:     resilience.NewExecutor[[]byte](o.retry, nil),
	}
}

// statusError is a non-2xx API response.
type statusError struct {
	status int
	body   []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("customer API status %d", e.status)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ue *url.Error
	return errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded)
}

// FetchCustomer returns the customer that accessToken belongs to.
// A rejected token is a KindSessionExpired error.
func (c *Client) FetchCustomer(ctx context.Context, accessToken string) (*Customer, error) {
	if accessToken == "" {
		return nil, autherr.New(autherr.KindSessionExpired, "Please sign in to view your account.")
	}
	payload, err := json.Marshal(map[string]any{"query": customerQuery})
	if err != nil {
		return nil, err
	}

	body, err := c.exec.Execute(ctx, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", accessToken)
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &statusError{status: resp.StatusCode, body: b}
		}
		return b, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return parseCustomer(body)
}

func classify(err error) error {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.status == http.StatusUnauthorized:
			return autherr.Wrap(autherr.KindSessionExpired, "Your session has expired. Please sign in again.", err)
		case se.status >= 500:
			return autherr.Wrap(autherr.KindTransport, "Your account details are temporarily unavailable.", err).
				WithDetail("customer API status %d", se.status)
		default:
			return autherr.Wrap(autherr.KindExchange, "Unable to load your account details.", err).
				WithStatus(http.StatusBadGateway).
				WithDetail("customer API status %d: %s", se.status, gjson.GetBytes(se.body, "errors.0.message").String())
		}
	}
	return autherr.Wrap(autherr.KindTransport, "Unable to reach the account service. Please try again.", err).
		WithDetail("%v", err)
}

func parseCustomer(body []byte) (*Customer, error) {
	if !gjson.ValidBytes(body) {
		return nil, autherr.New(autherr.KindExchange, "Unable to load your account details.").
			WithStatus(http.StatusBadGateway).
			WithDetail("customer API returned invalid JSON")
	}
	parsed := gjson.ParseBytes(body)
	if errs := parsed.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		first := errs.Array()[0]
		if code := first.Get("extensions.code").String(); code == "UNAUTHENTICATED" || code == "ACCESS_DENIED" {
			return nil, autherr.New(autherr.KindSessionExpired, "Your session has expired. Please sign in again.").
				WithDetail("customer API: %s", first.Get("message").String())
		}
		return nil, autherr.New(autherr.KindExchange, "Unable to load your account details.").
			WithStatus(http.StatusBadGateway).
			WithDetail("customer API: %s", first.Get("message").String())
	}
	cust := parsed.Get("data.customer")
	if !cust.Exists() || cust.Type == gjson.Null {
		return nil, autherr.New(autherr.KindSessionExpired, "Please sign in to view your account.").
			WithDetail("customer API returned no customer")
	}
	return &Customer{
		ID:        cust.Get("id").String(),
		FirstName: cust.Get("firstName").String(),
		LastName:  cust.Get("lastName").String(),
		Email:     cust.Get("emailAddress.emailAddress").String(),
	}, nil
}
