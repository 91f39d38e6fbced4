package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is an in-memory table of entries keyed by canonical URL. It keeps
// insertion order: re-upserting an entry moves it to the end, which is the
// order Lookup reports children in.
//
// All methods are safe for concurrent use. Entries are copied on the way in
// and on the way out; callers never hold a reference into the table.
type Store struct {
	base string
	now  func() time.Time
	log  zerolog.Logger

	mu      sync.RWMutex
	entries []Entry
	index   map[string]int // url -> position in entries
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreLogger sets the logger used for dropped items.
func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// NewStore creates an empty store whose keys are normalized against base.
func NewStore(base string, opts ...StoreOption) *Store {
	s := &Store{
		base:  NormalizeBase(base),
		now:   time.Now,
		log:   zerolog.Nop(),
		index: make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Normalize maps ref onto this store's key space.
func (s *Store) Normalize(ref string) string {
	return Normalize(ref, s.base)
}

// Upsert inserts or replaces each item under parent. An existing entry keeps
// its other parents; parent itself is moved to the end of the list so it is
// never duplicated. Items without a url cannot be keyed and are skipped.
func (s *Store) Upsert(parent string, items ...Resource) {
	if parent != "" {
		parent = s.Normalize(parent)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if item.URL == "" {
			s.log.Warn().Err(errMissingURL).Str("id", item.ID.String()).Msg("skipping resource")
			continue
		}
		key := s.Normalize(item.URL)

		var parents []string
		if i, ok := s.index[key]; ok {
			for _, p := range s.entries[i].Parents {
				if p != parent {
					parents = append(parents, p)
				}
			}
			s.removeLocked(key)
		}
		if parent != "" {
			parents = append(parents, parent)
		}
		s.entries = append(s.entries, Entry{
			URL:       key,
			FetchedAt: now,
			Content:   item.Clone(),
			Parents:   parents,
		})
		s.index[key] = len(s.entries) - 1
	}
}

// Remove deletes the entry for url. Absent entries are ignored.
func (s *Store) Remove(url string) {
	key := s.Normalize(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// PurgeByParent removes every entry that lists parent among its parents and
// reports how many went. It refuses an empty parent.
func (s *Store) PurgeByParent(parent string) (int, error) {
	if parent == "" {
		return 0, ErrEmptyParent
	}
	parent = s.Normalize(parent)

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.HasParent(parent) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(s.entries[len(kept):])
	s.entries = kept
	s.reindexLocked()
	return removed, nil
}

// Lookup returns the entry stored at url followed, if includeChildren is
// set, by every entry whose parents contain url.
func (s *Store) Lookup(url string, includeChildren bool) []Entry {
	key := s.Normalize(url)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.URL == key || (includeChildren && e.HasParent(key)) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Get returns the entry stored at exactly url.
func (s *Store) Get(url string) (Entry, bool) {
	key := s.Normalize(url)
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[key]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i].Clone(), true
}

// Contents returns the resources Lookup would return.
func (s *Store) Contents(url string, includeChildren bool) []Resource {
	entries := s.Lookup(url, includeChildren)
	out := make([]Resource, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out
}

// MarkLoading flags the stored entry as being refreshed. It is cleared by
// the next Upsert of that url. Returns false when there is no such entry.
func (s *Store) MarkLoading(url string) bool {
	key := s.Normalize(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[key]
	if !ok {
		return false
	}
	s.entries[i].Loading = true
	return true
}

// HasChildren reports whether any entry lists url as a parent.
func (s *Store) HasChildren(url string) bool {
	key := s.Normalize(url)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.entries, func(e Entry) bool { return e.HasParent(key) })
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) removeLocked(key string) {
	i, ok := s.index[key]
	if !ok {
		return
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	s.reindexLocked()
}

func (s *Store) reindexLocked() {
	clear(s.index)
	for i, e := range s.entries {
		s.index[e.URL] = i
	}
}

var _ ReadWriter = (*Store)(nil)
