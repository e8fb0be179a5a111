// Package flowstore holds the one-time login flow values (PKCE verifier,
// state, nonce) and the post-login redirect target between the authorization
// redirect and the callback.
//
// Stores are short-lived: the cookie store uses browser-session cookies and
// the memory store lives for one native login attempt.
package flowstore

import (
	"sync"
	"time"
)

// Flow is the correlation data for one login attempt.
type Flow struct {
	CodeVerifier string    `cbor:"1,keyasint,omitempty"`
	State        string    `cbor:"2,keyasint,omitempty"`
	Nonce        string    `cbor:"3,keyasint,omitempty"`
	CreatedAt    time.Time `cbor:"4,keyasint,omitempty"`
}

// Store persists one Flow and one redirect target.
//
// Clear and ClearReturnTo are idempotent.
type Store interface {
	Save(f Flow) error
	Load() (Flow, bool, error)
	Clear() error

	SetReturnTo(target string) error
	ReturnTo() (string, bool, error)
	ClearReturnTo() error
}

// Empty reports whether s holds neither a flow nor a redirect target.
func Empty(s Store) bool {
	if _, ok, err := s.Load(); ok || err != nil {
		return false
	}
	if _, ok, err := s.ReturnTo(); ok || err != nil {
		return false
	}
	return true
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.Mutex
	flow     *Flow
	returnTo *string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(f Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow = &f
	return nil
}

func (m *Memory) Load() (Flow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flow == nil {
		return Flow{}, false, nil
	}
	return *m.flow, true, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow = nil
	return nil
}

func (m *Memory) SetReturnTo(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnTo = &target
	return nil
}

func (m *Memory) ReturnTo() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.returnTo == nil {
		return "", false, nil
	}
	return *m.returnTo, true, nil
}

func (m *Memory) ClearReturnTo() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnTo = nil
	return nil
}

var _ Store = (*Memory)(nil)
