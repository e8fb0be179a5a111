// Package authstate derives whether the customer is signed in from the token
// store and keeps the token fresh. Manager is the only writer of the token
// store outside the login callback.
package authstate

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/logging"
	"github.com/mnehpets/storefront/profile"
	"github.com/mnehpets/storefront/tokenstore"
)

const (
	// DefaultCheckInterval is how often Run checks the token expiry.
	DefaultCheckInterval = time.Minute
	// DefaultRefreshWindow is how close to expiry a token is refreshed.
	DefaultRefreshWindow = 5 * time.Minute
)

// Refresher trades a refresh token for a new token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (tokenstore.Token, error)
}

// ProfileFetcher loads the customer for an access token.
type ProfileFetcher interface {
	FetchCustomer(ctx context.Context, accessToken string) (*profile.Customer, error)
}

// LoginFunc starts a login, optionally with an email hint.
type LoginFunc func(ctx context.Context, loginHint string) error

// State is the derived auth state. It is never persisted.
type State struct {
	IsAuthenticated bool              `json:"isAuthenticated"`
	IsLoading       bool              `json:"isLoading"`
	Customer        *profile.Customer `json:"customer,omitempty"`
	ExpiresAt       *time.Time        `json:"expiresAt,omitempty"`
}

// Manager owns the auth state of one token store.
type Manager struct {
	store     tokenstore.Store
	refresher Refresher
	profiles  ProfileFetcher

	now      func() time.Time
	interval time.Duration
	window   time.Duration
	login    LoginFunc
	onChange func(State)

	group singleflight.Group

	mu    sync.RWMutex
	state State
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithCheckInterval sets how often Run checks the token expiry.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.interval = d
	}
}

// WithRefreshWindow sets how close to expiry a token is refreshed.
func WithRefreshWindow(d time.Duration) Option {
	return func(m *Manager) {
		m.window = d
	}
}

// WithLogin sets the function Login delegates to.
func WithLogin(fn LoginFunc) Option {
	return func(m *Manager) {
		m.login = fn
	}
}

// WithOnChange is called with the new state after every change.
func WithOnChange(fn func(State)) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// NewManager returns a Manager for store. profiles may be nil.
func NewManager(store tokenstore.Store, refresher Refresher, profiles ProfileFetcher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		profiles:  profiles,
		now:       time.Now,
		interval:  DefaultCheckInterval,
		window:    DefaultRefreshWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(s)
	}
}

// CheckAuthStatus recomputes the state from the token store. When signed in
// the customer profile is fetched; a profile failure leaves the customer
// unset and is returned.
func (m *Manager) CheckAuthStatus(ctx context.Context) (State, error) {
	prev := m.State()
	loading := prev
	loading.IsLoading = true
	m.setState(loading)

	tok, ok, err := m.store.Read(ctx)
	if err != nil {
		m.setState(State{})
		return State{}, err
	}
	if !ok || !tok.Valid(m.now()) {
		s := State{}
		m.setState(s)
		return s, nil
	}

	exp := tok.ExpiresAt
	s := State{IsAuthenticated: true, ExpiresAt: &exp}
	var perr error
	if m.profiles != nil {
		s.Customer, perr = m.profiles.FetchCustomer(ctx, tok.AccessToken)
		if perr != nil {
			logging.FromContext(ctx).WithFields(log.Fields{
				"component": "authstate",
				"kind":      autherr.KindOf(perr).String(),
				"error":     perr,
			}).Warn("failed to load customer profile")
		}
	}
	m.setState(s)
	return s, perr
}

// RefreshUserData reloads the customer profile.
func (m *Manager) RefreshUserData(ctx context.Context) error {
	_, err := m.CheckAuthStatus(ctx)
	return err
}

// MaybeRefresh refreshes the token if it expires within the refresh
// window. It reports whether a refresh was attempted.
func (m *Manager) MaybeRefresh(ctx context.Context) (bool, error) {
	tok, ok, err := m.store.Read(ctx)
	if err != nil || !ok {
		return false, err
	}
	if !tok.ExpiresWithin(m.now(), m.window) {
		return false, nil
	}
	_, err = m.RefreshToken(ctx)
	return true, err
}

// RefreshToken trades the stored refresh token for a new token set.
// Concurrent calls share one refresh. On failure all auth state is cleared
// and the customer must sign in again.
func (m *Manager) RefreshToken(ctx context.Context) (tokenstore.Token, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return tokenstore.Token{}, err
	}
	return v.(tokenstore.Token), nil
}

func (m *Manager) refresh(ctx context.Context) (tokenstore.Token, error) {
	entry := logging.FromContext(ctx).WithField("component", "authstate")

	old, ok, err := m.store.Read(ctx)
	if err != nil {
		return tokenstore.Token{}, err
	}
	if !ok || old.RefreshToken == "" {
		m.clear(ctx)
		return tokenstore.Token{}, autherr.New(autherr.KindSessionExpired, "Please sign in again.")
	}

	tok, err := m.refresher.Refresh(ctx, old.RefreshToken)
	if err != nil {
		entry.WithFields(log.Fields{"kind": autherr.KindOf(err).String(), "error": err}).Warn("token refresh failed; signing out")
		m.clear(ctx)
		return tokenstore.Token{}, err
	}
	if tok.IDToken == "" {
		tok.IDToken = old.IDToken
	}
	if err := m.store.Store(ctx, tok); err != nil {
		return tokenstore.Token{}, err
	}
	entry.WithFields(log.Fields{
		"has_access_token":  tok.AccessToken != "",
		"has_refresh_token": tok.RefreshToken != "",
		"expires_in":        tok.ExpiresIn,
	}).Info("token refreshed")

	s := m.State()
	s.IsAuthenticated = tok.Valid(m.now())
	exp := tok.ExpiresAt
	s.ExpiresAt = &exp
	m.setState(s)
	return tok, nil
}

// Login starts a login through the configured login function.
func (m *Manager) Login(ctx context.Context, loginHint string) error {
	if m.login == nil {
		return autherr.New(autherr.KindConfiguration, "Sign in is not available.")
	}
	return m.login(ctx, loginHint)
}

// Logout clears the token store and the derived state.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.store.Clear(ctx)
	m.setState(State{})
	if err == nil {
		logging.FromContext(ctx).WithField("component", "authstate").Info("signed out")
	}
	return err
}

func (m *Manager) clear(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		logging.FromContext(ctx).WithFields(log.Fields{"component": "authstate", "error": err}).
			Error("failed to clear token store")
	}
	m.setState(State{})
}

// Run checks the state once, then refreshes the token when it nears expiry
// on every check interval and recomputes the state whenever the store
// reports a change. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	var changes <-chan struct{}
	if w, ok := m.store.(tokenstore.Watcher); ok {
		ch, err := w.Watch(ctx)
		if err != nil {
			return err
		}
		changes = ch
	}

	entry := logging.FromContext(ctx).WithField("component", "authstate")
	if _, err := m.CheckAuthStatus(ctx); err != nil {
		entry.WithField("error", err).Warn("initial auth check failed")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.MaybeRefresh(ctx); err != nil {
				entry.WithField("error", err).Warn("scheduled refresh failed")
			}
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if _, err := m.CheckAuthStatus(ctx); err != nil {
				entry.WithField("error", err).Warn("auth check after store change failed")
			}
		}
	}
}
