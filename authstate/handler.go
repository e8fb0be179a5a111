package authstate

import (
	"net/http"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/endpoint"
	"github.com/mnehpets/storefront/tokenstore"
)

// Routes served by Handler.
const (
	StatusPath = "/api/auth/status"
	LogoutPath = "/api/auth/logout"
)

// StoreBinder returns the token store for a request.
type StoreBinder func(w http.ResponseWriter, r *http.Request) tokenstore.Store

// StatusResponse is the body of GET /api/auth/status.
type StatusResponse struct {
	State
	Error string `json:"error,omitempty"`
}

// Handler serves the status and logout routes with a Manager per request.
type Handler struct {
	mux        *http.ServeMux
	tokens     StoreBinder
	refresher  Refresher
	profiles   ProfileFetcher
	opts       []Option
	processors []endpoint.Processor
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithProcessors adds processors to every route.
func WithProcessors(p ...endpoint.Processor) HandlerOption {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithManagerOptions configures each per-request Manager.
func WithManagerOptions(opts ...Option) HandlerOption {
	return func(h *Handler) {
		h.opts = append(h.opts, opts...)
	}
}

// NewHandler returns the status and logout routes.
func NewHandler(tokens StoreBinder, refresher Refresher, profiles ProfileFetcher, opts ...HandlerOption) *Handler {
	h := &Handler{
		mux:       http.NewServeMux(),
		tokens:    tokens,
		refresher: refresher,
		profiles:  profiles,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("GET "+StatusPath, endpoint.HandleJSON(h.status, h.processors...))
	h.mux.HandleFunc("POST "+LogoutPath, endpoint.HandleJSON(h.logout, h.processors...))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) manager(w http.ResponseWriter, r *http.Request) *Manager {
	return NewManager(h.tokens(w, r), h.refresher, h.profiles, h.opts...)
}

// status refreshes a token inside the refresh window, then reports the
// state. A failed refresh signs the customer out.
func (h *Handler) status(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ctx := r.Context()
	m := h.manager(w, r)

	var resp StatusResponse
	if _, err := m.MaybeRefresh(ctx); err != nil {
		resp.Error = publicMessage(err)
	}
	s, err := m.CheckAuthStatus(ctx)
	if err != nil && resp.Error == "" {
		resp.Error = publicMessage(err)
	}
	resp.State = s
	return &endpoint.JSONRenderer{Value: resp}, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if err := h.manager(w, r).Logout(r.Context()); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "Unable to sign out. Please try again.", err)
	}
	return &endpoint.JSONRenderer{Value: map[string]bool{"success": true}}, nil
}

func publicMessage(err error) string {
	if _, ok := autherr.As(err); !ok {
		return "Unable to check your session. Please try again."
	}
	return autherr.MessageOf(err)
}
