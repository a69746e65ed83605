// Package existence answers "does a matching prior submission exist" with a
// short-lived memo in front of the search collaborator.
package existence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"composertemplates/pkg/clock"
	"composertemplates/pkg/host"
	"composertemplates/pkg/logx"
	"composertemplates/pkg/metrics"
)

// Scope selects whose submissions count.
type Scope string

const (
	// ScopeAny counts threads by any author.
	ScopeAny Scope = "any"
	// ScopeUser counts only threads by the given identity.
	ScopeUser Scope = "user"
)

// Key builds the cache key for a lookup. Tag order does not matter.
// The identity only participates for ScopeUser.
func Key(scope Scope, identity string, tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	joined := strings.Join(sorted, "+")
	if scope == ScopeUser {
		return string(ScopeUser) + ":" + identity + ":" + joined
	}
	return string(ScopeAny) + ":" + joined
}

type entry struct {
	exists     bool
	recordedAt time.Time
}

// Cache memoizes existence results for a fixed TTL. Concurrent misses for the
// same key share one search.
type Cache struct {
	searcher host.Searcher
	clock    clock.Clock
	ttl      time.Duration
	metrics  metrics.Recorder
	logger   *logx.Logger

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

// NewCache creates a cache in front of searcher. A nil recorder discards metrics.
func NewCache(searcher host.Searcher, clk clock.Clock, ttl time.Duration, recorder metrics.Recorder) *Cache {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Cache{
		searcher: searcher,
		clock:    clk,
		ttl:      ttl,
		metrics:  recorder,
		logger:   logx.NewLogger("existence"),
		entries:  make(map[string]entry),
	}
}

// Exists reports whether a matching submission exists.
//
// An empty tag set, or ScopeUser without an identity, is assumed to exist.
// Search failures also answer true and are not cached.
func (c *Cache) Exists(ctx context.Context, scope Scope, tags []string, identity string) bool {
	if len(tags) == 0 || (scope == ScopeUser && identity == "") {
		c.metrics.ObserveExistenceLookup(string(scope), metrics.LookupAssumed)
		return true
	}

	key := Key(scope, identity, tags)
	if exists, ok := c.lookup(key); ok {
		c.metrics.ObserveExistenceLookup(string(scope), metrics.LookupHit)
		logx.Debug(ctx, "existence", "cache hit for %s: %t", key, exists)
		return exists
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent flight may have filled the entry while we waited to start.
		if exists, ok := c.lookup(key); ok {
			return exists, nil
		}
		exists, err := c.search(ctx, scope, tags, identity)
		if err != nil {
			return nil, err
		}
		c.store(key, exists)
		return exists, nil
	})
	if err != nil {
		c.metrics.ObserveExistenceLookup(string(scope), metrics.LookupError)
		c.logger.Warn("Existence search for %s failed, assuming it exists: %v", key, err)
		return true
	}

	c.metrics.ObserveExistenceLookup(string(scope), metrics.LookupMiss)
	exists, _ := v.(bool)
	return exists
}

// MarkExists records a confirmed submission for the tag set, for any author
// and, when identity is known, for that user.
func (c *Cache) MarkExists(tags []string, identity string) {
	if len(tags) == 0 {
		return
	}
	c.store(Key(ScopeAny, "", tags), true)
	c.metrics.ObserveExistenceLookup(string(ScopeAny), metrics.LookupOptimistic)
	if identity != "" {
		c.store(Key(ScopeUser, identity, tags), true)
		c.metrics.ObserveExistenceLookup(string(ScopeUser), metrics.LookupOptimistic)
	}
	c.logger.Debug("Marked %v as existing (user %q)", tags, identity)
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if c.clock.Now().Sub(e.recordedAt) >= c.ttl {
		delete(c.entries, key)
		return false, false
	}
	return e.exists, true
}

func (c *Cache) store(key string, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{exists: exists, recordedAt: c.clock.Now()}
}

func (c *Cache) search(ctx context.Context, scope Scope, tags []string, identity string) (bool, error) {
	q := host.SearchQuery{Tags: append([]string(nil), tags...)}
	if scope == ScopeUser {
		q.Author = identity
	}

	start := time.Now()
	topics, err := c.searcher.SearchTopics(ctx, q)
	c.metrics.ObserveSearch(err == nil, time.Since(start))
	if err != nil {
		return false, err
	}
	return len(topics) > 0, nil
}
