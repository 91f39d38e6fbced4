package conn

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/briangreenhill/apiconn/session"
)

var (
	// ErrAuthRequired is returned when a fetch is attempted while logged out.
	ErrAuthRequired = session.ErrAuthRequired
	// ErrUnauthorized means the server answered 401; the session has been
	// cleared.
	ErrUnauthorized = errors.New("not authorized")
	// ErrNotFound means the server answered 404; the entry has been dropped
	// from the cache.
	ErrNotFound = errors.New("not found")
	// ErrFetchFailed covers every other failed response, transport errors
	// and undecodable bodies.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrUnexpectedCollection is returned by Fetch when the server answered
	// with an array. The members are cached anyway.
	ErrUnexpectedCollection = errors.New("expected a single resource, got a collection")
)

// StatusError is a failed HTTP response. It unwraps to the sentinel for its
// status class.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.StatusCode == http.StatusUnauthorized {
		return fmt.Sprintf("logged out: not authorized to access %s", e.URL)
	}
	msg := fmt.Sprintf("%s %s: %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrFetchFailed
	}
}

// bodySnippet keeps error messages readable when the server returns a page
// of HTML.
func bodySnippet(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
