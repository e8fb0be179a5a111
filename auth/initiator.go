package auth

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/flowstore"
	"github.com/mnehpets/storefront/logging"
	"github.com/mnehpets/storefront/pkce"
)

// LoginRequest are the optional inputs of a login.
type LoginRequest struct {
	LoginHint string `query:"login_hint" maxLength:"320"`
	ReturnTo  string `query:"return_to" maxLength:"2048"`
}

// Initiator builds authorization URLs.
type Initiator struct {
	cfg      Config
	cfgErr   error
	oauth    *oauth2.Config
	nonceLen int
	now      func() time.Time
}

// InitiatorOption configures an Initiator.
type InitiatorOption func(*Initiator)

// WithNonceLength sets the nonce length.
func WithNonceLength(n int) InitiatorOption {
	return func(in *Initiator) {
		in.nonceLen = n
	}
}

// WithInitiatorClock sets the clock recorded in saved flows.
func WithInitiatorClock(now func() time.Time) InitiatorOption {
	return func(in *Initiator) {
		in.now = now
	}
}

// NewInitiator returns an Initiator for cfg. An invalid cfg is reported by
// every Begin call.
func NewInitiator(cfg Config, opts ...InitiatorOption) *Initiator {
	in := &Initiator{
		cfg:      cfg,
		cfgErr:   cfg.Validate(),
		oauth:    cfg.exchangeConfig().OAuth2Config(cfg.scopes()...),
		nonceLen: pkce.DefaultNonceLength,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Begin generates fresh PKCE values and a nonce, saves them with the
// post-login target in store, and returns the authorization URL. Nothing is
// saved when the configuration is incomplete.
func (in *Initiator) Begin(ctx context.Context, store flowstore.Store, req LoginRequest) (string, error) {
	if in.cfgErr != nil {
		return "", in.cfgErr
	}

	params, err := pkce.Generate()
	if err != nil {
		return "", autherr.Wrap(autherr.KindServer, "Unable to start sign in. Please try again.", err)
	}
	nonce, err := pkce.GenerateNonce(in.nonceLen)
	if err != nil {
		return "", autherr.Wrap(autherr.KindServer, "Unable to start sign in. Please try again.", err)
	}

	flow := flowstore.Flow{
		CodeVerifier: params.CodeVerifier,
		State:        params.State,
		Nonce:        nonce,
		CreatedAt:    in.now().UTC(),
	}
	if err := store.Save(flow); err != nil {
		return "", autherr.Wrap(autherr.KindServer, "Unable to start sign in. Please try again.", err)
	}
	target := ValidateNextURLIsLocal(req.ReturnTo)
	if err := store.SetReturnTo(target); err != nil {
		return "", autherr.Wrap(autherr.KindServer, "Unable to start sign in. Please try again.", err)
	}

	opts := []oauth2.AuthCodeOption{
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", params.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.ChallengeMethod),
	}
	hint := strings.TrimSpace(req.LoginHint)
	if hint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", hint))
	}

	logging.FromContext(ctx).WithFields(log.Fields{
		"component":      "login",
		"has_login_hint": hint != "",
		"return_to":      target,
	}).Info("authorization started")
	return in.oauth.AuthCodeURL(params.State, opts...), nil
}
