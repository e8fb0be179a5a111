package auth

import (
	"html/template"
	"net/http"
	"time"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/endpoint"
	"github.com/mnehpets/storefront/flowstore"
	"github.com/mnehpets/storefront/tokenstore"
)

// DefaultRedirectDelay is how long the success page is shown.
const DefaultRedirectDelay = 2 * time.Second

// FlowBinder returns the flow store for a request.
type FlowBinder func(w http.ResponseWriter, r *http.Request) flowstore.Store

// TokenBinder returns the token store for a request.
type TokenBinder func(w http.ResponseWriter, r *http.Request) tokenstore.Store

var pages = template.Must(template.New("pages").Parse(`
{{define "callback"}}<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{if .Success}}Signed in{{else}}Sign in failed{{end}}</title>
{{if .Success}}<meta http-equiv="refresh" content="{{.DelaySeconds}};url={{.RedirectTo}}">{{end}}
</head>
<body>
<main>
{{if .Success}}
<h1>Signed in</h1>
<p>{{.Message}}</p>
<p><a href="{{.RedirectTo}}">Continue</a></p>
{{else}}
<h1>Sign in failed</h1>
<p>{{.Message}}</p>
{{with .Detail}}<pre>{{.}}</pre>{{end}}
<p><a href="{{.RetryURL}}">Try again</a></p>
{{end}}
</main>
</body>
</html>
{{end}}`))

type pageValues struct {
	Success      bool
	Message      string
	Detail       string
	RedirectTo   string
	DelaySeconds int
	RetryURL     string
}

// Handler serves the login, callback and retry routes.
type Handler struct {
	mux       *http.ServeMux
	initiator *Initiator
	exchanger TokenExchanger
	flows     FlowBinder
	tokens    TokenBinder

	dev          bool
	delay        time.Duration
	onResult     func(Result)
	callbackOpts []CallbackOption
	processors   []endpoint.Processor
}

// Option configures a Handler.
type Option func(*Handler)

// WithProcessors adds processors to every route.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithDev shows diagnostic detail on error pages.
func WithDev(dev bool) Option {
	return func(h *Handler) {
		h.dev = dev
	}
}

// WithRedirectDelay sets how long the success page is shown.
func WithRedirectDelay(d time.Duration) Option {
	return func(h *Handler) {
		h.delay = d
	}
}

// WithResultHook is called with every callback result.
func WithResultHook(fn func(Result)) Option {
	return func(h *Handler) {
		h.onResult = fn
	}
}

// WithCallbackOptions configures the Callback created per request.
func WithCallbackOptions(opts ...CallbackOption) Option {
	return func(h *Handler) {
		h.callbackOpts = append(h.callbackOpts, opts...)
	}
}

// NewHandler returns the login routes.
func NewHandler(in *Initiator, exchanger TokenExchanger, flows FlowBinder, tokens TokenBinder, opts ...Option) *Handler {
	h := &Handler{
		mux:       http.NewServeMux(),
		initiator: in,
		exchanger: exchanger,
		flows:     flows,
		tokens:    tokens,
		delay:     DefaultRedirectDelay,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET "+LoginPath, endpoint.HandleFunc(h.login, h.processors...))
	h.mux.HandleFunc("GET "+CallbackPath, endpoint.HandleFunc(h.callback, h.processors...))
	h.mux.HandleFunc("GET "+RetryPath, endpoint.HandleFunc(h.retry, h.processors...))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, p LoginRequest) (endpoint.Renderer, error) {
	u, err := h.initiator.Begin(r.Context(), h.flows(w, r), p)
	if err != nil {
		ae, ok := autherr.As(err)
		if !ok {
			ae = autherr.Wrap(autherr.KindServer, "Unable to start sign in. Please try again.", err)
		}
		return h.page(Result{
			Status:     StatusError,
			Kind:       ae.Kind,
			Message:    ae.Message,
			Detail:     ae.Detail,
			HTTPStatus: ae.HTTPStatus(),
		}), nil
	}
	return &endpoint.RedirectRenderer{URL: u, Status: http.StatusFound}, nil
}

// callback runs a fresh Callback per navigation.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request, p CallbackParams) (endpoint.Renderer, error) {
	cb := NewCallback(h.flows(w, r), h.tokens(w, r), h.exchanger, h.callbackOpts...)
	res, err := cb.Handle(r.Context(), p)
	if err != nil {
		return nil, endpoint.Error(http.StatusConflict, "callback already handled", err)
	}
	if h.onResult != nil {
		h.onResult(res)
	}
	return h.page(res), nil
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	cb := NewCallback(h.flows(w, r), nil, nil)
	return &endpoint.RedirectRenderer{URL: cb.Retry(), Status: http.StatusFound}, nil
}

func (h *Handler) page(res Result) endpoint.Renderer {
	v := pageValues{
		Success:      res.Status == StatusSuccess,
		Message:      res.Message,
		RedirectTo:   res.RedirectTo,
		DelaySeconds: int(h.delay / time.Second),
		RetryURL:     RetryPath,
	}
	if h.dev {
		v.Detail = res.Detail
	}
	status := res.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	return &endpoint.HTMLTemplateRenderer{Status: status, Template: pages, Name: "callback", Values: v}
}
