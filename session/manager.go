// Package session holds the logged-in identity and bearer token for one API
// endpoint, persists it across restarts and talks to the account endpoints
// (login, logout, registration, profile update).
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// DefaultStorageKey is the key the session is persisted under.
const DefaultStorageKey = "user"

// logoutTimeout bounds the background logout notification.
const logoutTimeout = 10 * time.Second

// Persister is the durable key/value store the session is kept in.
// Implementations return an error wrapping a not-found sentinel for missing
// keys; Restore treats any Get error as "no saved session".
type Persister interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Manager owns the current session. The zero session means logged out.
// All methods are safe for concurrent use.
type Manager struct {
	base    string
	http    *http.Client
	store   Persister // optional; nil means nothing survives a restart
	key     string
	log     zerolog.Logger
	pending sync.WaitGroup

	// storeMu orders writes to store so that a save racing a logout
	// cannot resurrect the cleared session.
	storeMu sync.Mutex

	mu      sync.RWMutex
	current Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for account requests.
func WithHTTPClient(h *http.Client) Option {
	return func(m *Manager) { m.http = h }
}

// WithPersister keeps the session in p across restarts.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.store = p }
}

// WithStorageKey sets the key the session is saved under.
func WithStorageKey(key string) Option {
	return func(m *Manager) { m.key = key }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New creates a logged-out manager for the API rooted at base. base must
// end with a slash.
func New(base string, opts ...Option) *Manager {
	m := &Manager{
		base: base,
		http: http.DefaultClient,
		key:  DefaultStorageKey,
		log:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore loads a previously persisted session. A missing or unreadable
// value leaves the manager logged out; only a decode failure is logged.
func (m *Manager) Restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	b, err := m.store.Get(ctx, m.key)
	if err != nil {
		m.log.Debug().Err(err).Msg("no saved session")
		return
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		m.log.Warn().Err(err).Msg("ignoring unreadable saved session")
		return
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	if s.Valid() {
		m.log.Info().Str("username", s.Username).Msg("restored session")
	}
}

// Current returns a copy of the session and whether one is active.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current.Valid()
}

// IsLoggedIn is true iff a session with a non-empty token exists.
func (m *Manager) IsLoggedIn() bool {
	_, ok := m.Current()
	return ok
}

// Token returns the current bearer token, or "".
func (m *Manager) Token() string {
	s, _ := m.Current()
	return s.Token
}

// AuthorizeRequest sets the JSON and bearer headers on req and returns the
// token it used, so a later 401 can be matched against it.
func (m *Manager) AuthorizeRequest(req *http.Request) (string, error) {
	s, ok := m.Current()
	if !ok {
		return "", fmt.Errorf("cannot fetch %s: %w", req.URL, ErrAuthRequired)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	tok := &oauth2.Token{AccessToken: s.Token, TokenType: "Bearer"}
	tok.SetAuthHeader(req)
	return s.Token, nil
}

// Login exchanges username and password for a session using HTTP Basic
// auth. On success the session replaces the current one and is persisted.
// Any failure is logged and reported as false; the current session is left
// untouched.
func (m *Manager) Login(ctx context.Context, username, password string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"login/", nil)
	if err != nil {
		m.log.Error().Err(err).Msg("login failure")
		return false
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		m.log.Error().Err(err).Msg("login failure")
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		m.log.Error().Int("status", resp.StatusCode).Str("body", string(b)).Msg("login failure")
		return false
	}
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		m.log.Error().Err(err).Msg("login failure: decode session")
		return false
	}
	if !s.Valid() {
		m.log.Error().Msg("login failure: no token in response")
		return false
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.persist(ctx, s)

	m.log.Info().Str("username", s.Username).Msg("logged in")
	return true
}

// Logout clears the session locally and in durable storage, then tells the
// server in the background. Logout is complete once this returns; the
// notification's outcome is only logged.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	m.current = Session{}
	m.mu.Unlock()
	m.clearAndNotify(ctx)
}

// Invalidate clears the session after the server rejected token. A session
// established after the rejected request was sent is kept. It reports
// whether the session was cleared.
func (m *Manager) Invalidate(ctx context.Context, token string) bool {
	m.mu.Lock()
	if token == "" || m.current.Token != token {
		m.mu.Unlock()
		return false
	}
	m.current = Session{}
	m.mu.Unlock()

	m.log.Warn().Msg("session rejected by server, logging out")
	m.clearAndNotify(ctx)
	return true
}

// Wait blocks until background logout notifications have finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) clearAndNotify(ctx context.Context) {
	if m.store != nil {
		m.storeMu.Lock()
		if err := m.store.Delete(ctx, m.key); err != nil {
			m.log.Warn().Err(err).Msg("could not clear saved session")
		}
		m.storeMu.Unlock()
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(nctx, http.MethodPost, m.base+"logout/", nil)
		if err != nil {
			return
		}
		resp, err := m.http.Do(req)
		if err != nil {
			m.log.Debug().Err(err).Msg("logout notification failed")
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		m.log.Debug().Int("status", resp.StatusCode).Msg("logout notification sent")
	}()
}

// CreateAccount registers a new, inactive user. A non-success answer is
// returned as *APIError carrying the server's message.
func (m *Manager) CreateAccount(ctx context.Context, username, email, password string) (Identity, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return Identity{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"inactive_users/", bytes.NewReader(body))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("create account: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Identity{}, fmt.Errorf("create account: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Identity{}, apiError(resp, b)
	}
	var id Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return Identity{}, fmt.Errorf("decode account: %w", err)
	}
	return id, nil
}

// UpdateProfile changes the logged-in user's email and/or password. It
// fails with ErrAuthRequired when logged out; every other failure is
// reported in the result, not as an error. On success the returned identity
// fields replace the current ones while the token is kept.
func (m *Manager) UpdateProfile(ctx context.Context, email, password, currentPassword string) (UpdateResult, error) {
	s, ok := m.Current()
	if !ok {
		return UpdateResult{}, ErrAuthRequired
	}
	body, err := json.Marshal(map[string]string{
		"email":           email,
		"password":        password,
		"currentPassword": currentPassword,
	})
	if err != nil {
		return UpdateResult{Message: err.Error()}, nil
	}
	target := s.URL
	if !strings.HasSuffix(target, "/") {
		target += "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target+"update_profile/", bytes.NewReader(body))
	if err != nil {
		return UpdateResult{Message: err.Error()}, nil
	}
	if _, err := m.AuthorizeRequest(req); err != nil {
		return UpdateResult{}, err
	}

	resp, err := m.http.Do(req)
	if err != nil {
		m.log.Error().Err(err).Msg("profile update failed")
		return UpdateResult{Message: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return UpdateResult{Message: err.Error()}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return UpdateResult{Message: apiError(resp, b).Message}, nil
	}
	var id Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return UpdateResult{Message: fmt.Sprintf("decode profile: %v", err)}, nil
	}

	m.mu.Lock()
	if m.current.Token != s.Token {
		// logged out or in as someone else while the request was in flight
		m.mu.Unlock()
		return UpdateResult{Message: "session changed during update"}, nil
	}
	m.current.Identity = id
	updated := m.current
	m.mu.Unlock()
	m.persist(ctx, updated)

	return UpdateResult{Success: true, Message: "Updated successfully"}, nil
}

// persist saves s unless it has stopped being the current session.
func (m *Manager) persist(ctx context.Context, s Session) {
	if m.store == nil {
		return
	}
	b, err := json.Marshal(s)
	if err != nil {
		m.log.Warn().Err(err).Msg("could not encode session")
		return
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if cur, ok := m.Current(); !ok || cur.Token != s.Token {
		m.log.Debug().Msg("session changed before it was saved")
		return
	}
	if err := m.store.Set(ctx, m.key, b); err != nil {
		m.log.Warn().Err(err).Msg("could not save session")
	}
}

func apiError(resp *http.Response, body []byte) *APIError {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
		eb.Error = resp.Status
	}
	return &APIError{StatusCode: resp.StatusCode, Message: eb.Error}
}

// IsAPIError reports whether err carries a server message.
func IsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	ok := errors.As(err, &ae)
	return ae, ok
}
