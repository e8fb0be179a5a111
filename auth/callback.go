package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/exchange"
	"github.com/mnehpets/storefront/flowstore"
	"github.com/mnehpets/storefront/logging"
	"github.com/mnehpets/storefront/pkce"
	"github.com/mnehpets/storefront/tokenstore"
)

// ErrAlreadyHandled is returned by Handle after the first call.
var ErrAlreadyHandled = errors.New("auth: callback already handled")

// DefaultMaxFlowAge bounds the time between Begin and the callback.
const DefaultMaxFlowAge = time.Hour

// TokenExchanger trades an authorization code for a token set.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, req exchange.TokenRequest) (tokenstore.Token, error)
}

// CallbackParams are the query parameters of the callback URL.
type CallbackParams struct {
	Code             string `query:"code"`
	State            string `query:"state"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
}

// Status is the outcome of a callback.
type Status int

const (
	StatusLoading Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "loading"
	}
}

// Result is what the callback page shows.
type Result struct {
	Status  Status
	Kind    autherr.Kind
	Message string
	// Detail is diagnostic text for development builds.
	Detail string
	// HTTPStatus is the status for the rendered page.
	HTTPStatus int
	// RedirectTo is set on success.
	RedirectTo string
}

const (
	latchNotStarted int32 = iota
	latchInProgress
	latchDone
)

// Callback completes one login. Handle runs at most once until Retry.
type Callback struct {
	flows     flowstore.Store
	tokens    tokenstore.Store
	exchanger TokenExchanger

	maxFlowAge time.Duration
	now        func() time.Time

	latch  atomic.Int32
	mu     sync.Mutex
	result Result
}

// CallbackOption configures a Callback.
type CallbackOption func(*Callback)

// WithMaxFlowAge rejects states older than d. Zero disables the check.
func WithMaxFlowAge(d time.Duration) CallbackOption {
	return func(c *Callback) {
		c.maxFlowAge = d
	}
}

// WithCallbackClock sets the clock used for the flow age check.
func WithCallbackClock(now func() time.Time) CallbackOption {
	return func(c *Callback) {
		c.now = now
	}
}

// NewCallback returns a Callback reading the flow from flows and saving
// tokens to tokens.
func NewCallback(flows flowstore.Store, tokens tokenstore.Store, exchanger TokenExchanger, opts ...CallbackOption) *Callback {
	c := &Callback{
		flows:      flows,
		tokens:     tokens,
		exchanger:  exchanger,
		maxFlowAge: DefaultMaxFlowAge,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle processes the callback parameters. The latch is taken before any
// work, so concurrent or repeated calls return ErrAlreadyHandled and do
// nothing. On any failure the flow store is left empty.
func (c *Callback) Handle(ctx context.Context, p CallbackParams) (Result, error) {
	if !c.latch.CompareAndSwap(latchNotStarted, latchInProgress) {
		return Result{}, ErrAlreadyHandled
	}
	res := c.run(ctx, p)

	c.mu.Lock()
	c.result = res
	c.mu.Unlock()
	c.latch.CompareAndSwap(latchInProgress, latchDone)
	return res, nil
}

// Status returns StatusLoading until Handle has finished.
func (c *Callback) Status() Status {
	if c.latch.Load() != latchDone {
		return StatusLoading
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.Status
}

// Retry resets the latch, discards the flow and returns the path that starts
// a new login. It never repeats the exchange: codes are single-use.
func (c *Callback) Retry() string {
	c.mu.Lock()
	c.result = Result{}
	c.mu.Unlock()
	c.latch.Store(latchNotStarted)
	_ = c.Cleanup()
	return LoginPath
}

// Cleanup removes the flow and the redirect target. It is idempotent.
func (c *Callback) Cleanup() error {
	return errors.Join(c.flows.Clear(), c.flows.ClearReturnTo())
}

func (c *Callback) run(ctx context.Context, p CallbackParams) Result {
	if p.Error != "" {
		return c.fail(ctx, providerError(p.Error, p.ErrorDescription))
	}
	if p.Code == "" || p.State == "" {
		return c.fail(ctx, autherr.New(autherr.KindProtocol, "Missing required authentication parameters. Please sign in again."))
	}

	flow, ok, err := c.flows.Load()
	if err != nil || !ok {
		e := autherr.New(autherr.KindSessionExpired, "Your sign-in session has expired or was started in another window. Please sign in again.")
		if err != nil {
			e = e.WithCause(err)
		}
		return c.fail(ctx, e)
	}
	if subtle.ConstantTimeCompare([]byte(p.State), []byte(flow.State)) != 1 {
		return c.fail(ctx, autherr.New(autherr.KindProtocol, "Security check failed: the sign-in response does not match this session. Please sign in again.").
			WithDetail("state mismatch"))
	}
	if c.maxFlowAge > 0 {
		if issued, ok := pkce.StateIssuedAt(flow.State); ok && c.now().Sub(issued) > c.maxFlowAge {
			return c.fail(ctx, autherr.New(autherr.KindSessionExpired, "Your sign-in session has expired. Please sign in again.").
				WithDetail("state issued at %s", issued.UTC().Format(time.RFC3339)))
		}
	}

	tok, err := c.exchanger.ExchangeCode(ctx, exchange.TokenRequest{
		Code:         p.Code,
		CodeVerifier: flow.CodeVerifier,
		State:        p.State,
		Nonce:        flow.Nonce,
	})
	if err != nil {
		return c.fail(ctx, err)
	}
	if err := c.tokens.Store(ctx, tok); err != nil {
		return c.fail(ctx, autherr.Wrap(autherr.KindServer, "You are signed in, but the session could not be saved. Please try again.", err))
	}

	entry := logging.FromContext(ctx).WithField("component", "callback")
	if err := c.flows.Clear(); err != nil {
		entry.WithField("error", err).Warn("failed to clear login flow")
	}
	target := DefaultReturnTo
	if t, ok, err := c.flows.ReturnTo(); err == nil && ok {
		target = ValidateNextURLIsLocal(t)
	}
	if err := c.flows.ClearReturnTo(); err != nil {
		entry.WithField("error", err).Warn("failed to clear return target")
	}

	entry.WithFields(log.Fields{
		"outcome":          "success",
		"has_access_token": tok.AccessToken != "",
		"has_id_token":     tok.IDToken != "",
		"return_to":        target,
	}).Info("login completed")
	return Result{
		Status:     StatusSuccess,
		Message:    "You are signed in. Redirecting...",
		HTTPStatus: http.StatusOK,
		RedirectTo: target,
	}
}

func (c *Callback) fail(ctx context.Context, err error) Result {
	ae, ok := autherr.As(err)
	if !ok {
		ae = autherr.Wrap(autherr.KindServer, "Something went wrong while signing in. Please try again.", err)
	}
	entry := logging.FromContext(ctx).WithFields(log.Fields{
		"component": "callback",
		"outcome":   "error",
		"kind":      ae.Kind.String(),
		"error":     err,
	})
	if cerr := c.Cleanup(); cerr != nil {
		entry.WithField("error", cerr).Error("failed to clear login flow")
	}
	entry.Warn("login failed")
	return Result{
		Status:     StatusError,
		Kind:       ae.Kind,
		Message:    ae.Message,
		Detail:     ae.Detail,
		HTTPStatus: ae.HTTPStatus(),
	}
}

// providerErrors maps OAuth error codes returned on the callback.
var providerErrors = map[string]struct {
	kind autherr.Kind
	msg  string
}{
	"access_denied":             {autherr.KindUserDenied, "Access was denied. You can sign in again at any time."},
	"invalid_request":           {autherr.KindProtocol, "The sign-in request was invalid. Please try again."},
	"unauthorized_client":       {autherr.KindConfiguration, "This store is not authorized to sign customers in. Please contact support."},
	"unsupported_response_type": {autherr.KindConfiguration, "The sign-in request is not supported. Please contact support."},
	"invalid_scope":             {autherr.KindConfiguration, "The sign-in request asked for invalid permissions. Please contact support."},
	"server_error":              {autherr.KindServer, "The sign-in service had a problem. Please try again."},
	"temporarily_unavailable":   {autherr.KindTransport, "The sign-in service is temporarily unavailable. Please try again shortly."},
}

func providerError(code, description string) *autherr.Error {
	if pe, ok := providerErrors[code]; ok {
		return autherr.New(pe.kind, pe.msg).WithDetail("provider error %s: %s", code, description)
	}
	msg := description
	if msg == "" {
		msg = "Sign in failed. Please try again."
	}
	return autherr.New(autherr.KindProtocol, msg).WithDetail("provider error %s", code)
}
