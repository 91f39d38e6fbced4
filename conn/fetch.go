package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/briangreenhill/apiconn/cache"
)

type decision int

// sharedRequestTimeout bounds a coalesced read once it no longer follows
// any one caller's context.
const sharedRequestTimeout = 2 * time.Minute

const (
	serveCached decision = iota
	refreshMembers
	network
)

// decide chooses how to answer a request for u given what the cache holds
// for it. entries is Lookup(u, many). For refreshMembers it also returns the
// urls of the entries that have expired.
func decide(u string, entries []cache.Entry, many, ignoreCache bool, now time.Time, expiry time.Duration) (decision, []string) {
	if ignoreCache {
		return network, nil
	}
	if !many {
		if len(entries) == 0 || entries[0].Stale(now, expiry) {
			return network, nil
		}
		return serveCached, nil
	}

	hasChildren := false
	var stale []string
	for _, e := range entries {
		if e.HasParent(u) {
			hasChildren = true
		}
		if e.Stale(now, expiry) {
			stale = append(stale, e.URL)
		}
	}
	switch {
	case !hasChildren:
		return network, nil
	case len(stale) == 0:
		return serveCached, nil
	default:
		return refreshMembers, stale
	}
}

// Fetch returns the resource at ref. A fresh cached entry is returned
// without touching the network; a missing or expired one is fetched and
// stored. Non-read methods always go to the network.
//
// A nil entry with a nil error means the server reported the resource gone
// (204 or a null body) and it has been dropped from the cache.
func (c *Connection) Fetch(ctx context.Context, ref string, opts ...RequestOption) (*cache.Entry, error) {
	r, u, err := c.prepare(ref, opts)
	if err != nil {
		return nil, err
	}

	var entries []cache.Entry
	if e, ok := c.cache.Get(u); ok {
		entries = []cache.Entry{e}
	}
	if d, _ := decide(u, entries, false, r.ignoreCache, c.now(), c.expiry); d == serveCached {
		c.log.Debug().Str("url", u).Dur("age", entries[0].Age(c.now())).Msg("cache hit")
		return &entries[0], nil
	}
	if len(entries) > 0 {
		c.cache.MarkLoading(u)
	}
	return c.fetchOne(ctx, u, r)
}

// FetchMany returns the collection at ref: its own entry, when cached, and
// every entry it caused to be loaded. With nothing cached for the
// collection, or with IgnoreCache, the whole collection is fetched and
// replaces what was cached under it. Otherwise only the expired entries are
// refreshed, each with its own request, in parallel.
//
// When some refreshes fail the returned error aggregates them and the
// entries are still returned; failed members keep their previous content
// unless the failure removed them (404).
func (c *Connection) FetchMany(ctx context.Context, ref string, opts ...RequestOption) ([]cache.Entry, error) {
	r, u, err := c.prepare(ref, opts)
	if err != nil {
		return nil, err
	}

	entries := c.cache.Lookup(u, true)
	d, stale := decide(u, entries, true, r.ignoreCache, c.now(), c.expiry)
	switch d {
	case serveCached:
		c.log.Debug().Str("url", u).Int("entries", len(entries)).Msg("cache hit")
		return entries, nil
	case refreshMembers:
		c.log.Debug().Str("url", u).Int("stale", len(stale)).Msg("refreshing expired entries")
		err := c.refresh(ctx, stale, r)
		return c.cache.Lookup(u, true), err
	}

	out, err := c.roundTrip(ctx, "many", u, u, r)
	if err != nil {
		return nil, err
	}
	return c.cache.Lookup(out.key, true), nil
}

// prepare applies the request options, resolves ref and checks that there
// is a session to fetch with.
func (c *Connection) prepare(ref string, opts []RequestOption) (request, string, error) {
	r := newRequest(opts)
	u := c.cache.Normalize(ref)
	if r.err != nil {
		return r, u, fmt.Errorf("%s %s: %w: %w", r.method, u, ErrFetchFailed, r.err)
	}
	if !c.session.IsLoggedIn() {
		return r, u, fmt.Errorf("cannot fetch %s: %w", u, ErrAuthRequired)
	}
	return r, u, nil
}

// fetchOne is the network half of Fetch.
func (c *Connection) fetchOne(ctx context.Context, u string, r request) (*cache.Entry, error) {
	out, err := c.roundTrip(ctx, "one", u, "", r)
	if err != nil {
		return nil, err
	}
	switch {
	case out.gone:
		return nil, nil
	case out.collection:
		return nil, fmt.Errorf("%s %s: %w", r.method, u, ErrUnexpectedCollection)
	}
	e, ok := c.cache.Get(out.key)
	if !ok {
		// removed again by a concurrent request between reconcile and here
		return nil, fmt.Errorf("%s %s: %w: entry vanished", r.method, u, ErrFetchFailed)
	}
	return &e, nil
}

// refresh re-fetches each url on its own. All refreshes run to completion;
// their failures are collected.
func (c *Connection) refresh(ctx context.Context, urls []string, r request) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for _, u := range urls {
		c.cache.MarkLoading(u)
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := c.fetchOne(ctx, u, r); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

// roundTrip sends r to u and reconciles the answer into the cache under
// parent. Concurrent reads of the same url within the same kind share one
// request; their callers each read their own copy back from the cache.
//
// The shared request is detached from the caller that started it, so a
// caller giving up only abandons its own wait.
func (c *Connection) roundTrip(ctx context.Context, kind, u, parent string, r request) (outcome, error) {
	replace := parent != "" && r.isRead()
	if !r.isRead() {
		return c.send(ctx, u, parent, replace, r)
	}
	ch := c.flight.DoChan(kind+" "+r.method+" "+u, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedRequestTimeout)
		defer cancel()
		return c.send(sctx, u, parent, replace, r)
	})
	select {
	case <-ctx.Done():
		return outcome{}, fmt.Errorf("%s %s: %w: %w", r.method, u, ErrFetchFailed, ctx.Err())
	case res := <-ch:
		if res.Shared {
			c.log.Debug().Str("url", u).Msg("joined in-flight request")
		}
		if res.Err != nil {
			return outcome{}, res.Err
		}
		return res.Val.(outcome), nil
	}
}
