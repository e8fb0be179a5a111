package endpoint

import (
	"encoding/json"
	"io"
	"net/http"
)

// JSONRenderer serializes Value as JSON.
//
// Content-Type is "application/json" unless already set. Encoding errors are
// returned but the status may already have been written, so callers treat
// them as best-effort signals.
type JSONRenderer struct {
	Status int
	Value  any

	// EncoderFactory optionally customizes encoder creation.
	EncoderFactory func(w io.Writer) *json.Encoder
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))

	var enc *json.Encoder
	if jr.EncoderFactory != nil {
		enc = jr.EncoderFactory(w)
	} else {
		enc = json.NewEncoder(w)
		enc.SetEscapeHTML(false)
	}
	if enc == nil {
		return io.ErrUnexpectedEOF
	}
	return enc.Encode(jr.Value)
}

// ErrorBody is the JSON error payload written by JSONErrorRenderer.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// JSONErrorRenderer renders message as an ErrorBody.
func JSONErrorRenderer(status int, message string, _ error) Renderer {
	return &JSONRenderer{Status: status, Value: ErrorBody{Error: message}}
}
