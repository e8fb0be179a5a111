package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c := NewClient("", "1234",
		WithEndpoint(srv.URL+"/graphql"),
		WithRetry(resilience.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}),
	)
	return c, &calls
}

func TestEndpoint(t *testing.T) {
	got := Endpoint("", "1234", "2025-01")
	if got != "https://shopify.com/1234/account/customer/api/2025-01/graphql" {
		t.Fatalf("Endpoint: %q", got)
	}
}

func TestFetchCustomer(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "AT" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if !strings.Contains(body.Query, "emailAddress") {
			t.Errorf("query: %q", body.Query)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"customer":{"id":"gid://shopify/Customer/1","firstName":"Jane","lastName":"Doe","emailAddress":{"emailAddress":"jane@example.com"}}}}`))
	})
	cust, err := c.FetchCustomer(context.Background(), "AT")
	if err != nil {
		t.Fatalf("FetchCustomer: %v", err)
	}
	want := Customer{ID: "gid://shopify/Customer/1", FirstName: "Jane", LastName: "Doe", Email: "jane@example.com"}
	if *cust != want {
		t.Fatalf("got %+v want %+v", *cust, want)
	}
	if cust.DisplayName() != "Jane Doe" {
		t.Fatalf("DisplayName: %q", cust.DisplayName())
	}
}

func TestFetchCustomer_Unauthorized(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.FetchCustomer(context.Background(), "stale")
	if autherr.KindOf(err) != autherr.KindSessionExpired {
		t.Fatalf("got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("401 retried: %d calls", calls.Load())
	}
}

func TestFetchCustomer_RetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"customer":{"id":"1","emailAddress":{"emailAddress":"x@example.com"}}}}`))
	})
	cust, err := c.FetchCustomer(context.Background(), "AT")
	if err != nil {
		t.Fatalf("FetchCustomer: %v", err)
	}
	if cust.DisplayName() != "x@example.com" {
		t.Fatalf("DisplayName: %q", cust.DisplayName())
	}
	if calls.Load() != 2 {
		t.Fatalf("calls: %d", calls.Load())
	}
}

func TestFetchCustomer_GraphQLErrors(t *testing.T) {
	tests := []struct {
		body string
		kind autherr.Kind
	}{
		{`{"errors":[{"message":"Invalid token","extensions":{"code":"UNAUTHENTICATED"}}]}`, autherr.KindSessionExpired},
		{`{"errors":[{"message":"Throttled","extensions":{"code":"THROTTLED"}}]}`, autherr.KindExchange},
		{`{"data":{"customer":null}}`, autherr.KindSessionExpired},
		{`not json`, autherr.KindExchange},
	}
	for _, tc := range tests {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(tc.body))
		})
		_, err := c.FetchCustomer(context.Background(), "AT")
		if autherr.KindOf(err) != tc.kind {
			t.Errorf("%s: got %v (%v)", tc.body, autherr.KindOf(err), err)
		}
	}
}

func TestFetchCustomer_NoToken(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := c.FetchCustomer(context.Background(), ""); autherr.KindOf(err) != autherr.KindSessionExpired {
		t.Fatalf("got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("API called without a token")
	}
}
