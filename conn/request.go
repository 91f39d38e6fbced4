package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// request describes one logical fetch. The zero value is a cache-aware GET.
type request struct {
	method      string
	body        []byte
	header      http.Header
	ignoreCache bool
	err         error // deferred from an option, e.g. a value WithJSON could not encode
}

var errHeadRequest = errors.New("HEAD responses carry no resource")

// RequestOption adjusts a single Fetch or FetchMany call.
type RequestOption func(*request)

// WithMethod sets the HTTP method. Anything other than GET always goes to
// the network and is never served from or coalesced with cached reads.
// HEAD is refused: its response carries no resource to cache.
func WithMethod(method string) RequestOption {
	return func(r *request) { r.method = strings.ToUpper(method) }
}

// WithBody sends b as the request body.
func WithBody(b []byte) RequestOption {
	return func(r *request) { r.body = b }
}

// WithJSON sends v encoded as JSON.
func WithJSON(v any) RequestOption {
	return func(r *request) {
		b, err := json.Marshal(v)
		if err != nil {
			r.err = fmt.Errorf("encode body: %w", err)
			return
		}
		r.body = b
	}
}

// WithHeader adds a request header. Authorization, Accept and Content-Type
// are always overwritten.
func WithHeader(key, value string) RequestOption {
	return func(r *request) {
		if r.header == nil {
			r.header = make(http.Header)
		}
		r.header.Add(key, value)
	}
}

// IgnoreCache skips the cache lookup. For FetchMany it also replaces the
// cached collection: members that the server no longer lists are dropped.
func IgnoreCache() RequestOption {
	return func(r *request) { r.ignoreCache = true }
}

func newRequest(opts []RequestOption) request {
	r := request{method: http.MethodGet}
	for _, o := range opts {
		o(&r)
	}
	if r.method == http.MethodHead && r.err == nil {
		r.err = errHeadRequest
	}
	if !r.isRead() {
		r.ignoreCache = true
	}
	return r
}

func (r request) isRead() bool {
	return r.method == http.MethodGet
}

func (r request) build(ctx context.Context, url string) (*http.Request, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}
