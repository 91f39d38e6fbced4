package conn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/apiconn/cache"
)

// outcome is what a response did to the cache. key is where the caller
// reads the result back from.
type outcome struct {
	key        string
	gone       bool
	collection bool
}

// send performs one authorized request and reconciles the response.
func (c *Connection) send(ctx context.Context, u, parent string, replace bool, r request) (outcome, error) {
	req, err := r.build(ctx, u)
	if err != nil {
		return outcome{}, fmt.Errorf("%s %s: %w: %w", r.method, u, ErrFetchFailed, err)
	}
	token, err := c.session.AuthorizeRequest(req)
	if err != nil {
		return outcome{}, err
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	log := c.log.With().Str("request_id", reqID).Str("method", r.method).Str("url", u).Logger()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("request failed")
		return outcome{}, fmt.Errorf("%s %s: %w: %w", r.method, u, ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Int("status", resp.StatusCode).Msg("reading response failed")
		return outcome{}, fmt.Errorf("%s %s: %w: read body: %w", r.method, u, ErrFetchFailed, err)
	}
	log.Info().Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("fetched")

	return c.reconcile(ctx, log, r.method, u, parent, replace, token, resp.StatusCode, body)
}

// reconcile merges a response for u into the cache. Failed or undecodable
// responses leave the cache alone, except that 404 drops u.
func (c *Connection) reconcile(ctx context.Context, log zerolog.Logger, method, u, parent string, replace bool, token string, status int, body []byte) (outcome, error) {
	switch {
	case status >= http.StatusBadRequest:
		serr := &StatusError{Method: method, URL: u, StatusCode: status, Body: bodySnippet(body)}
		log.Error().Int("status", status).Str("body", serr.Body).Msg("fetch failed")
		switch status {
		case http.StatusUnauthorized:
			c.session.Invalidate(ctx, token)
		case http.StatusNotFound:
			c.cache.Remove(u)
		}
		return outcome{}, serr

	case status == http.StatusNoContent:
		c.cache.Remove(u)
		return outcome{key: u, gone: true}, nil

	case status == http.StatusNotModified:
		// only reachable when the caller sent its own validators
		e, ok := c.cache.Get(u)
		if !ok {
			return outcome{}, &StatusError{Method: method, URL: u, StatusCode: status, Body: "not modified but nothing cached"}
		}
		c.cache.Upsert(parent, e.Content)
		return outcome{key: u}, nil
	}

	items, isArray, err := cache.DecodePayload(body)
	if err != nil {
		log.Error().Err(err).Msg("undecodable response")
		return outcome{}, fmt.Errorf("%s %s: %w: decode: %w", method, u, ErrFetchFailed, err)
	}
	if items == nil && !isArray {
		c.cache.Remove(u)
		return outcome{key: u, gone: true}, nil
	}
	if !isArray && items[0].URL == "" {
		return outcome{}, fmt.Errorf("%s %s: %w: resource has no url", method, u, ErrFetchFailed)
	}

	if replace {
		n, err := c.cache.PurgeByParent(parent)
		if err != nil {
			return outcome{}, err
		}
		log.Debug().Int("purged", n).Msg("replacing collection")
	}
	c.cache.Upsert(parent, items...)

	if isArray {
		return outcome{key: parent, collection: true}, nil
	}
	return outcome{key: c.cache.Normalize(items[0].URL)}, nil
}
