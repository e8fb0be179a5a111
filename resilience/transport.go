package resilience

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportConfig holds connection settings for provider calls.
var TransportConfig = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
}{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 15 * time.Second,
	DialTimeout:           10 * time.Second,
	KeepAlive:             30 * time.Second,
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport returns the process-wide transport for provider calls.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   TransportConfig.DialTimeout,
				KeepAlive: TransportConfig.KeepAlive,
			}).DialContext,
			MaxIdleConns:          TransportConfig.MaxIdleConns,
			MaxIdleConnsPerHost:   TransportConfig.MaxIdleConnsPerHost,
			IdleConnTimeout:       TransportConfig.IdleConnTimeout,
			TLSHandshakeTimeout:   TransportConfig.TLSHandshakeTimeout,
			ResponseHeaderTimeout: TransportConfig.ResponseHeaderTimeout,
			ForceAttemptHTTP2:     true,
		}
	})
	return sharedTransport
}

// HeaderTransport sets fixed request headers before delegating to Base.
// Headers already present on the request are left alone.
type HeaderTransport struct {
	Base   http.RoundTripper
	Header http.Header
}

func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = SharedTransport()
	}
	if len(t.Header) == 0 {
		return base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r2 := req.Clone(req.Context())
	for k, vs := range t.Header {
		if r2.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			r2.Header.Add(k, v)
		}
	}
	return base.RoundTrip(r2)
}

// NewHTTPClient returns a client whose requests carry header.
// base nil uses SharedTransport.
func NewHTTPClient(base http.RoundTripper, header http.Header) *http.Client {
	return &http.Client{Transport: &HeaderTransport{Base: base, Header: header}}
}
