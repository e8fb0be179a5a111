package logging

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mnehpets/storefront/endpoint"
)

// RequestIDHeader carries the request id in requests and responses.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// validRequestID bounds inbound ids so clients cannot inject log noise.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// GenerateRequestID returns a fresh request id.
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID returns ctx carrying requestID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the request id in ctx, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// FromContext returns a log entry tagged with the request id in ctx.
func FromContext(ctx context.Context) *log.Entry {
	entry := log.NewEntry(log.StandardLogger())
	if id := GetRequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

// RequestID is an endpoint.Processor that assigns each request an id,
// reusing a well-formed inbound X-Request-ID, and echoes it in the response.
type RequestID struct{}

func (RequestID) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	id := r.Header.Get(RequestIDHeader)
	if !validRequestID.MatchString(id) {
		id = GenerateRequestID()
	}
	w.Header().Set(RequestIDHeader, id)
	return next(w, r.WithContext(WithRequestID(r.Context(), id)))
}

var _ endpoint.Processor = RequestID{}
