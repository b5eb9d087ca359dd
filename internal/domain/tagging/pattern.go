package tagging

import (
	"context"
	"strings"
	"time"
)

// Pattern maps a textual pattern to an owner label with a priority tier.
// Lower tier = more specific = preferred. Immutable once loaded; the active
// set is replaced wholesale on refresh, never mutated in place.
type Pattern struct {
	Pattern    string
	OwnerLabel string
	// PriorityTier ranks specificity; ties across fields are broken by
	// label, never by the order patterns were supplied in.
	PriorityTier int
}

// fragments compiles the pattern into its uppercased literal pieces, in
// order. Both "*" and "/" delimit fragments: the identifying fields are
// single path segments, so a separator in a pattern like "*/vm-web-01" or
// "*/rg-production/*" scopes a fragment to one segment rather than being
// literal text to find. A value matches when every fragment appears in it,
// in pattern order.
func (p Pattern) fragments() []string {
	var frags []string
	for _, piece := range strings.FieldsFunc(p.Pattern, func(r rune) bool {
		return r == '*' || r == '/'
	}) {
		frags = append(frags, strings.ToUpper(piece))
	}
	return frags
}

// Source is the external queryable store of tagging patterns.
type Source interface {
	Fetch(ctx context.Context) ([]Pattern, error)
}

// Cache holds the active pattern set with a time-based refresh policy.
// Single-writer: the orchestrator refreshes it, the tagging engine reads it.
type Cache struct {
	patterns []Pattern
	loadedAt time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewCache creates an empty cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Patterns returns the active pattern set. Callers must not mutate it.
func (c *Cache) Patterns() []Pattern {
	return c.patterns
}

// Stale reports whether the active set is past its TTL (or never loaded).
func (c *Cache) Stale() bool {
	if c.loadedAt.IsZero() {
		return true
	}
	return c.now().Sub(c.loadedAt) > c.ttl
}

// Refresh replaces the active set from the source when the TTL has lapsed.
// On source failure the stale set is kept and the error returned for
// logging; the cache is never silently emptied.
func (c *Cache) Refresh(ctx context.Context, source Source) error {
	if !c.Stale() {
		return nil
	}
	patterns, err := source.Fetch(ctx)
	if err != nil {
		return err
	}
	c.patterns = patterns
	c.loadedAt = c.now()
	return nil
}
