// Package conn is the single entry point UI code talks to: it owns the
// response cache and the login session for one REST API and decides, per
// request, whether to answer from the cache or go to the network.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/apiconn/cache"
	"github.com/briangreenhill/apiconn/session"
)

const (
	DefaultBaseURL = "http://localhost:5000/"
	DefaultExpiry  = 60 * time.Second
)

// Connection pairs a response cache with a login session for one API.
// It is safe for concurrent use.
type Connection struct {
	http       *http.Client
	base       string
	expiry     time.Duration
	now        func() time.Time
	log        zerolog.Logger
	persister  session.Persister // optional; nil means the session lives in memory only
	storageKey string
	revalidate bool

	cache   *cache.Store
	session *session.Manager
	flight  singleflight.Group
}

// Option configures a Connection.
type Option func(*Connection)

// WithHTTPClient sets the client used for every request.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Connection) { c.http = h }
}

// WithBaseURL sets the API root that references resolve against.
func WithBaseURL(raw string) Option {
	return func(c *Connection) { c.base = raw }
}

// WithExpiry sets how long an entry is served from cache.
func WithExpiry(d time.Duration) Option {
	return func(c *Connection) { c.expiry = d }
}

// WithPersister saves the session in p so it survives a restart.
func WithPersister(p session.Persister) Option {
	return func(c *Connection) { c.persister = p }
}

// WithStorageKey changes the key the session is persisted under.
func WithStorageKey(key string) Option {
	return func(c *Connection) { c.storageKey = key }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// WithClock replaces time.Now for cache ages, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Connection) { c.now = now }
}

// WithRevalidation layers an in-memory HTTP cache under the entry cache so
// that refreshes of stale entries send If-None-Match and a 304 costs no
// body transfer.
func WithRevalidation(on bool) Option {
	return func(c *Connection) { c.revalidate = on }
}

// New builds a connection and restores any session saved by a previous
// run.
func New(ctx context.Context, opts ...Option) (*Connection, error) {
	c := &Connection{
		http:       http.DefaultClient,
		base:       DefaultBaseURL,
		expiry:     DefaultExpiry,
		now:        time.Now,
		log:        zerolog.Nop(),
		storageKey: session.DefaultStorageKey,
	}
	for _, o := range opts {
		o(c)
	}

	u, err := url.Parse(c.base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", c.base)
	}
	if c.expiry <= 0 {
		return nil, errors.New("cache expiry must be positive")
	}
	c.base = cache.NormalizeBase(c.base)

	if c.revalidate {
		c.http = revalidating(c.http)
	}

	c.cache = cache.NewStore(c.base, cache.WithClock(c.now), cache.WithStoreLogger(c.log))
	sopts := []session.Option{
		session.WithHTTPClient(c.http),
		session.WithStorageKey(c.storageKey),
		session.WithLogger(c.log),
	}
	if c.persister != nil {
		sopts = append(sopts, session.WithPersister(c.persister))
	}
	c.session = session.New(c.base, sopts...)
	c.session.Restore(ctx)
	return c, nil
}

// revalidating returns a copy of h whose transport goes through an
// ETag-aware memory cache.
func revalidating(h *http.Client) *http.Client {
	t := httpcache.NewMemoryCacheTransport()
	if h.Transport != nil {
		t.Transport = h.Transport
	}
	cp := *h
	cp.Transport = t
	return &cp
}

// Base is the normalized API root all references are resolved against.
func (c *Connection) Base() string { return c.base }

// Expiry is how long an entry is served without going to the network.
func (c *Connection) Expiry() time.Duration { return c.expiry }

// Cache exposes the entry store for read-only inspection.
func (c *Connection) Cache() cache.Reader { return c.cache }

// Login starts a session. It reports false on any failure.
func (c *Connection) Login(ctx context.Context, username, password string) bool {
	return c.session.Login(ctx, username, password)
}

// Logout ends the session. Cached entries are kept.
func (c *Connection) Logout(ctx context.Context) {
	c.session.Logout(ctx)
}

// CreateAccount registers a new, inactive user.
func (c *Connection) CreateAccount(ctx context.Context, username, email, password string) (session.Identity, error) {
	return c.session.CreateAccount(ctx, username, email, password)
}

// UpdateProfile changes the logged-in user's email or password.
func (c *Connection) UpdateProfile(ctx context.Context, email, password, currentPassword string) (session.UpdateResult, error) {
	return c.session.UpdateProfile(ctx, email, password, currentPassword)
}

// IsLoggedIn reports whether there is a session to fetch with.
func (c *Connection) IsLoggedIn() bool {
	return c.session.IsLoggedIn()
}

// Session returns the current session, if any.
func (c *Connection) Session() (session.Session, bool) {
	return c.session.Current()
}

// Close waits for background logout notifications to finish.
func (c *Connection) Close() {
	c.session.Wait()
}
