package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/apiconn/conn"
)

// upstream is the REST API the gateway talks to.
func upstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var gets atomic.Int32
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/", func(w http.ResponseWriter, r *http.Request) {
		if u, p, _ := r.BasicAuth(); u != "alice" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"url":"`+srv.URL+`/auth_users/1/","id":1,"username":"alice","token":"t"}`)
	})
	mux.HandleFunc("POST /logout/", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /inactive_users/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"username already exists"}`)
	})
	mux.HandleFunc("GET /widgets/{$}", func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		_, _ = io.WriteString(w, `[{"id":1,"url":"`+srv.URL+`/widgets/1/","name":"gear"},{"id":2,"url":"`+srv.URL+`/widgets/2/","name":"cog"}]`)
	})
	mux.HandleFunc("GET /widgets/1/", func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		_, _ = io.WriteString(w, `{"id":1,"url":"`+srv.URL+`/widgets/1/","name":"gear"}`)
	})
	mux.HandleFunc("PATCH /widgets/1/", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		_, _ = io.WriteString(w, `{"id":1,"url":"`+srv.URL+`/widgets/1/","name":"`+in["name"].(string)+`"}`)
	})
	mux.HandleFunc("DELETE /widgets/1/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /private/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("GET /broken/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &gets
}

func newGateway(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	api, gets := upstream(t)
	c, err := conn.New(context.Background(), conn.WithBaseURL(api.URL), conn.WithHTTPClient(api.Client()))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	s := New(ServerOptions{Conn: c, Log: zerolog.Nop()})
	gw := httptest.NewServer(s.Router)
	t.Cleanup(gw.Close)
	return gw, gets
}

func do(t *testing.T, gw *httptest.Server, method, path, body string) (*http.Response, string) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, gw.URL+path, rdr)
	require.NoError(t, err)
	resp, err := gw.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func login(t *testing.T, gw *httptest.Server) {
	t.Helper()
	resp, _ := do(t, gw, http.MethodPost, "/login", `{"username":"alice","password":"secret"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	gw, _ := newGateway(t)
	resp, body := do(t, gw, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}

func TestSessionLifecycle(t *testing.T) {
	gw, _ := newGateway(t)

	_, body := do(t, gw, http.MethodGet, "/session", "")
	assert.JSONEq(t, `{"logged_in":false,"user":null}`, body)

	resp, _ := do(t, gw, http.MethodPost, "/login", `{"username":"alice","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, gw, http.MethodPost, "/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	login(t, gw)
	_, body = do(t, gw, http.MethodGet, "/session", "")
	var out struct {
		LoggedIn bool `json:"logged_in"`
		User     struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.True(t, out.LoggedIn)
	assert.Equal(t, "alice", out.User.Username)

	resp, _ = do(t, gw, http.MethodPost, "/logout", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = do(t, gw, http.MethodGet, "/session", "")
	assert.JSONEq(t, `{"logged_in":false,"user":null}`, body)
}

func TestResourceRequiresSession(t *testing.T) {
	gw, gets := newGateway(t)
	resp, body := do(t, gw, http.MethodGet, "/resource?ref=widgets/1/", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"error":"not logged in"}`, body)
	assert.Zero(t, gets.Load())
}

func TestResource(t *testing.T) {
	gw, gets := newGateway(t)
	login(t, gw)

	resp, body := do(t, gw, http.MethodGet, "/resource?ref=/widgets/1/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var e struct {
		URL     string         `json:"url"`
		Content map[string]any `json:"content"`
		Parents []string       `json:"parents"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	assert.Equal(t, "gear", e.Content["name"])
	assert.Equal(t, float64(1), e.Content["id"])

	do(t, gw, http.MethodGet, "/resource?ref=/widgets/1/", "")
	assert.Equal(t, int32(1), gets.Load(), "second read is served from cache")

	do(t, gw, http.MethodGet, "/resource?ref=/widgets/1/&nocache=1", "")
	assert.Equal(t, int32(2), gets.Load())

	resp, body = do(t, gw, http.MethodPatch, "/resource?ref=/widgets/1/", `{"name":"bolt"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"bolt"`)

	resp, _ = do(t, gw, http.MethodDelete, "/resource?ref=/widgets/1/", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, gw, http.MethodGet, "/resource", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCollection(t *testing.T) {
	gw, gets := newGateway(t)
	login(t, gw)

	resp, body := do(t, gw, http.MethodGet, "/collection?ref=widgets/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []struct {
		URL     string   `json:"url"`
		Parents []string `json:"parents"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Len(t, e.Parents, 1)
	}

	do(t, gw, http.MethodGet, "/collection?ref=widgets/", "")
	assert.Equal(t, int32(1), gets.Load())

	resp, _ = do(t, gw, http.MethodGet, "/resource?ref=widgets/", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "a collection is not a single resource")
}

func TestErrorMapping(t *testing.T) {
	gw, _ := newGateway(t)
	login(t, gw)

	resp, _ := do(t, gw, http.MethodGet, "/resource?ref=nowhere/", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := do(t, gw, http.MethodGet, "/resource?ref=broken/", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "500")

	resp, _ = do(t, gw, http.MethodGet, "/resource?ref=private/", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// the 401 ended the session
	resp, _ = do(t, gw, http.MethodGet, "/resource?ref=widgets/1/", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAccountsAndProfile(t *testing.T) {
	gw, _ := newGateway(t)

	resp, body := do(t, gw, http.MethodPost, "/accounts", `{"username":"alice","email":"a@x.io","password":"pw"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"username already exists"}`, body)

	resp, _ = do(t, gw, http.MethodPost, "/accounts", `{"username":" "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, gw, http.MethodPatch, "/profile", `{"email":"a@x.io","currentPassword":"secret"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
