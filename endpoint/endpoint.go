// Package endpoint provides the typed handler layer used by the storefront
// auth routes.
//
// A request passes through three phases:
//
//  1. Unmarshal: the EndpointHandler decodes path, query, form, header,
//     cookie and body values into a typed params struct using struct tags.
//  2. Endpoint: the EndpointFunc runs the route logic and returns a Renderer.
//     It does not write the response body itself.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors run before the EndpointFunc and may short-circuit the request by
// returning an error. Errors are rendered by the handler's ErrorRenderer; the
// default writes a plain-text body, HandleJSON writes a JSON body.
package endpoint

import (
	"errors"
	"io"
	"net/http"
)

// EndpointError is a client-visible error that maps directly to an HTTP status code.
type EndpointError struct {
	Status int
	// Message is a short, human-readable description suitable for the response body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError.
func Error(status int, message string, err error) error {
	return newEndpointError(status, message, err)
}

func newEndpointError(status int, message string, err error) error {
	// Avoid double-wrapping.
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// StatusOf returns the HTTP status and client-visible message carried by err.
// Errors that are not EndpointErrors map to 500 with a generic message so
// internal error text never reaches the client.
func StatusOf(err error) (int, string) {
	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		status := http.StatusInternalServerError
		if ee.Status >= 100 {
			status = ee.Status
		}
		if ee.Message == "" {
			return status, http.StatusText(status)
		}
		return status, ee.Message
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// Renderer writes a response into an http.ResponseWriter.
//
// Renderers MUST call w.WriteHeader() and may set Content-Type before doing
// so. A non-nil error means the response could not be written.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware-style logic that runs before the EndpointFunc.
//
// Processors MUST call next(...) unless they short-circuit the request, and
// MUST NOT write the status or body. A non-nil error stops the chain.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc receives the decoded params and returns the Renderer for the
// response, or an error.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// ErrorRenderer builds the Renderer used when a processor, the decoder or the
// EndpointFunc returns an error.
type ErrorRenderer func(status int, message string, err error) Renderer

// EndpointHandler is the http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
	// OnError renders errors. Nil means plain text.
	OnError ErrorRenderer
}

// Handler constructs an EndpointHandler.
//
// This helper exists to enable type inference for the params type P.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc with plain-text
// error bodies.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

// HandleJSON adapts an EndpointFunc into an http.HandlerFunc whose error
// bodies are JSON objects of the form {"success":false,"error":"..."}.
func HandleJSON[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	h := Handler(fn, processors...)
	h.OnError = JSONErrorRenderer
	return h.ServeHTTP
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		// P must be a struct or pointer to struct; Unmarshal enforces this.
		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		return renderer.Render(w2, r2)
	}

	err := run(0, w, r)
	if err == nil {
		return
	}

	status, message := StatusOf(err)

	// Processors short-circuit with 2xx statuses (e.g. CORS preflight).
	if status < http.StatusBadRequest {
		w.WriteHeader(status)
		return
	}
	if h.OnError != nil {
		if rerr := h.OnError(status, message, err).Render(w, r); rerr == nil {
			return
		}
	}
	http.Error(w, message, status)
}
