package exchange

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/endpoint"
	"github.com/mnehpets/storefront/logging"
	"github.com/mnehpets/storefront/tokenstore"
)

// Routes served by Handler.
const (
	TokenPath   = "/api/auth/token"
	RefreshPath = "/api/auth/refresh"
)

const allowedMethods = "POST, OPTIONS"

// TokenRequest is the body of POST /api/auth/token.
type TokenRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	State        string `json:"state,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

// RefreshRequest is the body of POST /api/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenResponse is the body of every token API response.
type TokenResponse struct {
	Success bool              `json:"success"`
	Token   *tokenstore.Token `json:"token,omitempty"`
	Error   string            `json:"error,omitempty"`
	Details string            `json:"details,omitempty"`
}

type tokenParams struct {
	Request TokenRequest `body:"request"`
}

type refreshParams struct {
	Request RefreshRequest `body:"request"`
}

// Handler serves the token API.
type Handler struct {
	mux      *http.ServeMux
	cfg      Config
	cfgErr   error
	provider TokenProvider
	seen     SeenCodeRegistry
	verifier IDTokenVerifier
	now      func() time.Time

	processors []endpoint.Processor
}

// Option configures a Handler.
type Option func(*Handler)

// WithProvider replaces the provider client.
func WithProvider(p TokenProvider) Option {
	return func(h *Handler) {
		h.provider = p
	}
}

// WithSeenCodes replaces the in-memory replay registry, e.g. with a shared
// one for multi-instance deployments.
func WithSeenCodes(r SeenCodeRegistry) Option {
	return func(h *Handler) {
		h.seen = r
	}
}

// WithIDTokenVerifier enables id_token signature verification.
func WithIDTokenVerifier(v IDTokenVerifier) Option {
	return func(h *Handler) {
		h.verifier = v
	}
}

// WithProcessors adds processors (request id, CORS, rate limit) to every route.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithClock sets the clock used to compute expiresAt.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler returns the token API handler. An invalid cfg does not fail
// construction: every request is answered with a server configuration error.
func NewHandler(cfg Config, opts ...Option) *Handler {
	h := &Handler{
		mux:    http.NewServeMux(),
		cfg:    cfg,
		cfgErr: cfg.Validate(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.seen == nil {
		h.seen = NewMemorySeenCodes(DefaultSeenCodesCapacity)
	}
	if h.provider == nil && h.cfgErr == nil {
		h.provider = NewProviderClient(cfg)
	}

	h.mux.HandleFunc("POST "+TokenPath, endpoint.HandleJSON(h.exchangeCode, h.processors...))
	h.mux.HandleFunc("POST "+RefreshPath, endpoint.HandleJSON(h.refresh, h.processors...))
	h.mux.HandleFunc("OPTIONS "+TokenPath, endpoint.HandleJSON(h.options, h.processors...))
	h.mux.HandleFunc("OPTIONS "+RefreshPath, endpoint.HandleJSON(h.options, h.processors...))
	h.mux.HandleFunc("GET "+RefreshPath, endpoint.HandleJSON(h.methodNotAllowed, h.processors...))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) exchangeCode(w http.ResponseWriter, r *http.Request, p tokenParams) (endpoint.Renderer, error) {
	tok, err := h.ExchangeCode(r.Context(), p.Request)
	if err != nil {
		return h.fail(r.Context(), "token", err)
	}
	return &endpoint.JSONRenderer{Value: TokenResponse{Success: true, Token: &tok}}, nil
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, p refreshParams) (endpoint.Renderer, error) {
	tok, err := h.Refresh(r.Context(), p.Request.RefreshToken)
	if err != nil {
		return h.fail(r.Context(), "refresh", err)
	}
	return &endpoint.JSONRenderer{Value: TokenResponse{Success: true, Token: &tok}}, nil
}

// ExchangeCode trades req's authorization code for a token. It is the logic
// behind POST TokenPath and lets a server in the same process exchange codes
// without going through the route's processors.
func (h *Handler) ExchangeCode(ctx context.Context, req TokenRequest) (tokenstore.Token, error) {
	if h.cfgErr != nil {
		return tokenstore.Token{}, h.cfgErr
	}
	logging.FromContext(ctx).WithFields(log.Fields{
		"component":    "token",
		"has_code":     req.Code != "",
		"code_len":     len(req.Code),
		"has_verifier": req.CodeVerifier != "",
		"has_nonce":    req.Nonce != "",
	}).Info("token exchange requested")

	if req.Code == "" || req.CodeVerifier == "" {
		return tokenstore.Token{}, autherr.New(autherr.KindProtocol, "Missing required parameters: code and codeVerifier.")
	}

	first, err := h.seen.MarkSeen(ctx, req.Code)
	if err != nil {
		return tokenstore.Token{}, autherr.Wrap(autherr.KindServer, "Unable to process the authorization code. Please try again.", err)
	}
	if !first {
		return tokenstore.Token{}, autherr.New(autherr.KindProtocol, "Authorization code has already been used.")
	}

	pt, err := h.provider.ExchangeCode(ctx, req.Code, req.CodeVerifier)
	if err != nil {
		return tokenstore.Token{}, err
	}

	if pt.IDToken != "" && req.Nonce != "" {
		if err := checkNonce(pt.IDToken, req.Nonce); err != nil {
			if errors.Is(err, errNonceMismatch) {
				return tokenstore.Token{}, autherr.Wrap(autherr.KindProtocol, "Nonce mismatch. Please sign in again.", err)
			}
			logging.FromContext(ctx).WithFields(log.Fields{"component": "token", "error": err}).
				Warn("could not decode id_token for nonce check")
		}
	}
	if h.verifier != nil && pt.IDToken != "" {
		if _, err := h.verifier.Verify(ctx, pt.IDToken); err != nil {
			return tokenstore.Token{}, autherr.Wrap(autherr.KindProtocol, "Identity token verification failed. Please sign in again.", err).
				WithDetail("%v", err)
		}
	}

	tok := tokenstore.NewToken(pt.AccessToken, pt.RefreshToken, pt.IDToken, pt.ExpiresIn, h.now())
	h.logIssued(ctx, "token", tok)
	return tok, nil
}

// Refresh trades refreshToken for a new token. It is the logic behind POST
// RefreshPath.
func (h *Handler) Refresh(ctx context.Context, refreshToken string) (tokenstore.Token, error) {
	if h.cfgErr != nil {
		return tokenstore.Token{}, h.cfgErr
	}
	logging.FromContext(ctx).WithFields(log.Fields{
		"component":         "refresh",
		"has_refresh_token": refreshToken != "",
		"refresh_token_len": len(refreshToken),
	}).Info("token refresh requested")

	if refreshToken == "" {
		return tokenstore.Token{}, autherr.New(autherr.KindProtocol, "Missing required parameter: refreshToken.")
	}

	pt, err := h.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return tokenstore.Token{}, err
	}
	tok := tokenstore.NewToken(pt.AccessToken, pt.RefreshToken, "", pt.ExpiresIn, h.now())
	h.logIssued(ctx, "refresh", tok)
	return tok, nil
}

// options answers OPTIONS without CORS preflight headers; preflights are
// answered by the CORS processor before reaching here.
func (h *Handler) options(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.NoContentRenderer{Header: http.Header{"Allow": {allowedMethods}}}, nil
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	w.Header().Set("Allow", allowedMethods)
	return nil, endpoint.Error(http.StatusMethodNotAllowed, "Method not allowed. Use POST.", nil)
}

func (h *Handler) logIssued(ctx context.Context, op string, tok tokenstore.Token) {
	logging.FromContext(ctx).WithFields(log.Fields{
		"component":         op,
		"has_access_token":  tok.AccessToken != "",
		"access_token_len":  len(tok.AccessToken),
		"has_refresh_token": tok.RefreshToken != "",
		"has_id_token":      tok.IDToken != "",
		"expires_in":        tok.ExpiresIn,
	}).Info("token issued")
}

// fail renders err as a TokenResponse. Detail is included only in dev mode.
func (h *Handler) fail(ctx context.Context, op string, err error) (endpoint.Renderer, error) {
	ae, ok := autherr.As(err)
	if !ok {
		ae = autherr.Wrap(autherr.KindServer, "An unexpected error occurred. Please try again.", err)
	}
	status := ae.HTTPStatus()
	entry := logging.FromContext(ctx).WithFields(log.Fields{
		"component": op,
		"kind":      ae.Kind.String(),
		"status":    status,
		"error":     err,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("token api request failed")
	} else {
		entry.Warn("token api request rejected")
	}
	msg, detail := ae.Public(h.cfg.Dev)
	return &endpoint.JSONRenderer{Status: status, Value: TokenResponse{Error: msg, Details: detail}}, nil
}
