package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/apiconn/cache"
	"github.com/briangreenhill/apiconn/conn"
	appmw "github.com/briangreenhill/apiconn/internal/http/middleware"
	"github.com/briangreenhill/apiconn/session"
)

// maxBody caps forwarded request bodies.
const maxBody = 1 << 20

// Connection is the part of *conn.Connection the gateway serves.
type Connection interface {
	Fetch(ctx context.Context, ref string, opts ...conn.RequestOption) (*cache.Entry, error)
	FetchMany(ctx context.Context, ref string, opts ...conn.RequestOption) ([]cache.Entry, error)
	Login(ctx context.Context, username, password string) bool
	Logout(ctx context.Context)
	CreateAccount(ctx context.Context, username, email, password string) (session.Identity, error)
	UpdateProfile(ctx context.Context, email, password, currentPassword string) (session.UpdateResult, error)
	Session() (session.Session, bool)
}

type Server struct {
	Router *chi.Mux
	Conn   Connection
}

type ServerOptions struct {
	Conn Connection
	Log  zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("req_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Conn: opts.Conn}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("writing health check response")
		}
	})

	r.Get("/session", s.handleSession)
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Post("/accounts", s.handleCreateAccount)
	r.Patch("/profile", s.handleUpdateProfile)

	r.Group(func(pr chi.Router) {
		pr.Use(s.sessionToContext)
		pr.Use(appmw.RequireSession)
		pr.Get("/resource", s.handleResource)
		pr.Post("/resource", s.handleResource)
		pr.Put("/resource", s.handleResource)
		pr.Patch("/resource", s.handleResource)
		pr.Delete("/resource", s.handleResource)
		pr.Get("/collection", s.handleCollection)
	})

	return s
}

func (s *Server) sessionToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := s.Conn.Session(); ok {
			r = r.WithContext(context.WithValue(r.Context(), appmw.UsernameKey, sess.Username))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	out := struct {
		LoggedIn bool              `json:"logged_in"`
		User     *session.Identity `json:"user"`
	}{}
	if sess, ok := s.Conn.Session(); ok {
		out.LoggedIn = true
		out.User = &sess.Identity
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Username == "" {
		writeError(w, r, http.StatusBadRequest, "username required")
		return
	}
	if !s.Conn.Login(r.Context(), in.Username, in.Password) {
		writeError(w, r, http.StatusUnauthorized, "login failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Conn.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Username) == "" {
		writeError(w, r, http.StatusBadRequest, "username required")
		return
	}

	id, err := s.Conn.CreateAccount(r.Context(), in.Username, in.Email, in.Password)
	if err != nil {
		if ae, ok := session.IsAPIError(err); ok {
			writeError(w, r, http.StatusBadRequest, ae.Message)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("create account failed")
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, id)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		CurrentPassword string `json:"currentPassword"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.Conn.UpdateProfile(r.Context(), in.Email, in.Password, in.CurrentPassword)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleResource proxies one Fetch. The request method and body are
// forwarded; ?nocache=1 skips the cache.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	opts, ok := fetchOptions(w, r)
	if !ok {
		return
	}
	e, err := s.Conn.Fetch(r.Context(), r.URL.Query().Get("ref"), opts...)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}
	if e == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, r, http.StatusOK, e)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	opts, ok := fetchOptions(w, r)
	if !ok {
		return
	}
	entries, err := s.Conn.FetchMany(r.Context(), r.URL.Query().Get("ref"), opts...)
	if err != nil && entries == nil {
		writeFetchError(w, r, err)
		return
	}
	if err != nil {
		// some members failed to refresh; the rest is still worth serving
		hlog.FromRequest(r).Warn().Err(err).Msg("partial collection refresh")
		w.Header().Set("X-Refresh-Errors", "true")
	}
	if entries == nil {
		entries = []cache.Entry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

func fetchOptions(w http.ResponseWriter, r *http.Request) ([]conn.RequestOption, bool) {
	q := r.URL.Query()
	if q.Get("ref") == "" {
		writeError(w, r, http.StatusBadRequest, "ref required")
		return nil, false
	}
	opts := []conn.RequestOption{conn.WithMethod(r.Method)}
	if q.Get("nocache") == "1" || q.Get("nocache") == "true" {
		opts = append(opts, conn.IgnoreCache())
	}
	if r.Method != http.MethodGet && r.Body != nil {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		if len(body) > 0 {
			opts = append(opts, conn.WithBody(body))
		}
	}
	return opts, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// writeFetchError maps the connection's error classes onto status codes.
func writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, conn.ErrAuthRequired), errors.Is(err, conn.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, conn.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conn.ErrUnexpectedCollection):
		status = http.StatusBadRequest
	}
	if status == http.StatusBadGateway {
		hlog.FromRequest(r).Error().Err(err).Msg("fetch failed")
	}
	writeError(w, r, status, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}
