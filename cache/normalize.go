package cache

import "strings"

// Normalize converts a resource reference into the canonical cache key: the
// reference is lower-cased and, unless it already starts with base, base is
// prepended, dropping a leading slash on ref when base already ends with
// one. base is expected to be lower-case already; NewStore and the
// connection lower-case it once at construction.
//
// Every cache operation goes through this, otherwise "/Widgets/1/" and
// "http://host/widgets/1/" would be stored as two entries.
func Normalize(ref, base string) string {
	ref = strings.ToLower(ref)
	if !strings.HasPrefix(ref, base) {
		if strings.HasSuffix(base, "/") {
			ref = strings.TrimLeft(ref, "/")
		}
		ref = base + ref
	}
	return ref
}

// NormalizeBase lower-cases a base endpoint and makes sure it ends with a
// slash, so that Normalize(base+"x") and Normalize("x") agree.
func NormalizeBase(base string) string {
	base = strings.ToLower(strings.TrimSpace(base))
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}
