// Package exchange implements the server-side token API: it trades an
// authorization code or a refresh token for a customer token set at the
// identity provider, so the browser never talks to the token endpoint.
package exchange

import (
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mnehpets/storefront/autherr"
)

// Config is the server-held client configuration.
type Config struct {
	ShopID      string
	ClientID    string
	AppURL      string
	// ProviderURL defaults to DefaultProviderURL.
	ProviderURL string
	// UserAgent is sent on provider calls.
	UserAgent string
	// Dev exposes diagnostic detail in error responses.
	Dev bool
}

const (
	// DefaultUserAgent is used when Config.UserAgent is empty.
	DefaultUserAgent = "storefront-auth/1.0"
	// DefaultProviderURL is the identity provider used when none is configured.
	DefaultProviderURL = "https://shopify.com"
)

func providerBase(providerURL string) string {
	if strings.TrimSpace(providerURL) == "" {
		providerURL = DefaultProviderURL
	}
	return strings.TrimRight(providerURL, "/")
}

// Validate reports missing settings as a configuration error.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ShopID) == "" {
		missing = append(missing, "shop id")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client id")
	}
	if strings.TrimSpace(c.AppURL) == "" {
		missing = append(missing, "app URL")
	}
	if len(missing) > 0 {
		return autherr.New(autherr.KindConfiguration, "Server configuration error").
			WithDetail("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ProviderEndpoint returns the authorize and token URLs of a shop.
// Client credentials are sent in the form body.
func ProviderEndpoint(providerURL, shopID string) oauth2.Endpoint {
	base := providerBase(providerURL) + "/authentication/" + url.PathEscape(shopID) + "/oauth"
	return oauth2.Endpoint{
		AuthURL:   base + "/authorize",
		TokenURL:  base + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Issuer returns the default id_token issuer of a shop.
func Issuer(providerURL, shopID string) string {
	return providerBase(providerURL) + "/authentication/" + url.PathEscape(shopID)
}

// CallbackURL returns the redirect_uri registered for appURL. The same value
// must be used at authorization and at exchange time.
func CallbackURL(appURL string) string {
	return strings.TrimRight(appURL, "/") + "/auth/callback"
}

// AppOrigin returns the scheme://host of appURL.
func AppOrigin(appURL string) string {
	u, err := url.Parse(appURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(appURL, "/")
	}
	return u.Scheme + "://" + u.Host
}

// OAuth2Config returns the public-client oauth2 configuration for c.
func (c Config) OAuth2Config(scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.ClientID,
		Endpoint:    ProviderEndpoint(c.ProviderURL, c.ShopID),
		RedirectURL: CallbackURL(c.AppURL),
		Scopes:      scopes,
	}
}
