// Package cache holds API resources fetched from a REST endpoint, keyed by
// canonical URL, and tracks which collection caused each one to be loaded so
// a collection refresh can drop members that are no longer listed.
package cache

import (
	"errors"
	"slices"
	"time"
)

// ErrEmptyParent is returned by PurgeByParent when called with "". An empty
// parent matches nothing, so accepting it would hide the caller's bug.
var ErrEmptyParent = errors.New("cache: purge called with empty parent url")

// Entry represents a cached resource with metadata
type Entry struct {
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
	Content   Resource  `json:"content"`
	Loading   bool      `json:"loading"`
	Parents   []string  `json:"parents"`
}

// Age reports how long ago the entry was fetched.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Stale is true once the entry is older than expiry.
func (e Entry) Stale(now time.Time, expiry time.Duration) bool {
	return e.Age(now) > expiry
}

// HasParent reports whether parent is one of the entry's parents.
func (e Entry) HasParent(parent string) bool {
	return slices.Contains(e.Parents, parent)
}

// Clone returns a copy that shares no slices or maps with e.
func (e Entry) Clone() Entry {
	e.Content = e.Content.Clone()
	e.Parents = slices.Clone(e.Parents)
	return e
}

// Reader defines the read side of the store
type Reader interface {
	// Lookup returns the entry for url and, when includeChildren is set,
	// every entry that lists url as a parent.
	Lookup(url string, includeChildren bool) []Entry
	// Contents is Lookup projected to the resources.
	Contents(url string, includeChildren bool) []Resource
}

// Writer defines the mutating side of the store
type Writer interface {
	Upsert(parent string, items ...Resource)
	Remove(url string)
	PurgeByParent(parent string) (int, error)
	MarkLoading(url string) bool
}

// ReadWriter combines both cache operations
type ReadWriter interface {
	Reader
	Writer
}
