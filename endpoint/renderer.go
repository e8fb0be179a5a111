package endpoint

import "net/http"

// StringRenderer writes Body with an optional status code and content type.
// ContentType defaults to "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// setContentType sets Content-Type unless an outer renderer already did.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") == "" {
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
	}
}

// Render implements Renderer for StringRenderer.
func (tr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, tr.ContentType)
	w.WriteHeader(statusOr(tr.Status, http.StatusOK))
	if tr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(tr.Body))
	return err
}

// NoContentRenderer writes a status code with no body.
// Status defaults to 204.
type NoContentRenderer struct {
	Status int
	// Header values are set before the status is written.
	Header http.Header
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	for k, vs := range ncr.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(statusOr(ncr.Status, http.StatusNoContent))
	return nil
}

// RedirectRenderer redirects the client to URL.
// Status defaults to 307.
type RedirectRenderer struct {
	URL    string
	Status int
}

// Render implements Renderer for RedirectRenderer.
func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	// Redirect targets carry one-time values; keep them out of caches.
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, rr.URL, statusOr(rr.Status, http.StatusTemporaryRedirect))
	return nil
}

func statusOr(status, def int) int {
	if status == 0 {
		return def
	}
	return status
}
