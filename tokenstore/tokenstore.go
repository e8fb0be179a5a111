// Package tokenstore persists the customer's OAuth tokens.
//
// A Store holds at most one Token and replaces it wholesale on every write.
// Stores that can observe writes made elsewhere (another process, another
// tab) implement Watcher.
package tokenstore

import (
	"context"
	"sync"
	"time"
)

// Token is the customer's token set.
type Token struct {
	AccessToken  string    `json:"accessToken" cbor:"1,keyasint"`
	RefreshToken string    `json:"refreshToken" cbor:"2,keyasint"`
	IDToken      string    `json:"idToken,omitempty" cbor:"3,keyasint,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt" cbor:"4,keyasint"`
	ExpiresIn    int64     `json:"expiresIn" cbor:"5,keyasint"`
}

// NewToken returns a Token issued at now that expires expiresIn seconds later.
func NewToken(accessToken, refreshToken, idToken string, expiresIn int64, now time.Time) Token {
	return Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		IDToken:      idToken,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second).UTC(),
		ExpiresIn:    expiresIn,
	}
}

// Valid reports whether t has an access token and expires strictly after now.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && t.ExpiresAt.After(now)
}

// ExpiresWithin reports whether t expires at or before now+d.
func (t Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(d))
}

// Store persists one Token. Writes are last-write-wins.
type Store interface {
	Store(ctx context.Context, t Token) error
	// Read returns ok=false when no token is stored. It does not check expiry.
	Read(ctx context.Context) (Token, bool, error)
	Clear(ctx context.Context) error
}

// Watcher is implemented by stores that report changes.
//
// The channel receives a value after each change and is closed when ctx is
// done. Bursts of changes may be coalesced into one notification.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// IsAuthenticated reports whether s holds a token that expires strictly
// after now. Read errors count as unauthenticated.
func IsAuthenticated(ctx context.Context, s Store, now time.Time) bool {
	t, ok, err := s.Read(ctx)
	if err != nil || !ok {
		return false
	}
	return t.ExpiresAt.After(now)
}

// broadcaster fans change notifications out to watchers.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan struct{}]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *broadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	token *Token
	subs  broadcaster
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Store(_ context.Context, t Token) error {
	m.mu.Lock()
	m.token = &t
	m.mu.Unlock()
	m.subs.notify()
	return nil
}

func (m *Memory) Read(_ context.Context) (Token, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return Token{}, false, nil
	}
	return *m.token, true, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	had := m.token != nil
	m.token = nil
	m.mu.Unlock()
	if had {
		m.subs.notify()
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context) (<-chan struct{}, error) {
	return m.subs.subscribe(ctx), nil
}

var (
	_ Store   = (*Memory)(nil)
	_ Watcher = (*Memory)(nil)
)
