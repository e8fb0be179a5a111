// Package auth starts the customer login (authorization URL with PKCE and a
// nonce) and completes it at the callback, where the code is traded for
// tokens through the token API and stored.
package auth

import (
	"strings"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/exchange"
)

// Routes served by Handler.
const (
	LoginPath    = "/auth/login"
	CallbackPath = "/auth/callback"
	RetryPath    = "/auth/retry"
)

// DefaultReturnTo is where customers land after login when no local target
// was requested.
const DefaultReturnTo = "/account"

// DefaultScopes are requested on every authorization.
var DefaultScopes = []string{"openid", "email", "customer-account-api:full"}

// Config is the public client configuration.
type Config struct {
	ShopID   string
	ClientID string
	AppURL   string
	// ProviderURL defaults to exchange.DefaultProviderURL.
	ProviderURL string
	// Scopes defaults to DefaultScopes.
	Scopes []string
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
		return autherr.New(autherr.KindConfiguration, "Sign in is not configured. Please contact support.").
			WithDetail("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) exchangeConfig() exchange.Config {
	return exchange.Config{
		ShopID:      c.ShopID,
		ClientID:    c.ClientID,
		AppURL:      c.AppURL,
		ProviderURL: c.ProviderURL,
	}
}

func (c Config) scopes() []string {
	if len(c.Scopes) == 0 {
		return DefaultScopes
	}
	return c.Scopes
}
