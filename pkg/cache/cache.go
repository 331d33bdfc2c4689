// Package cache implements the two-tier TTL cache in front of every
// network read.
//
// The volatile tier is an in-process map of decoded values; the durable tier
// is a kv.Store holding JSON. Reads check volatile, then durable (promoting
// hits into volatile). Misses run the caller's producer at most once per key
// across concurrent callers (singleflight), and the result is written to
// both tiers with the TTL of a named class.
//
// Durable writes are write-behind: one writer goroutine applies them in
// order, and a failed write is logged and counted but never returned to the
// reader. The volatile tier still holds the correct value for the rest of
// the process lifetime.
//
// An entry is valid iff now < expiresAt. Expired entries behave exactly
// like absent ones and are evicted lazily when touched.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/kv"
	"golang.org/x/sync/singleflight"
)

// Class is a named TTL bucket.
type Class string

const (
	ClassMetadata           Class = "metadata"
	ClassParticipants       Class = "participants"
	ClassLiveLeaderboard    Class = "live-leaderboard"
	ClassQuery              Class = "query"
	ClassActiveCompetitions Class = "active-competitions"
)

// DefaultTTLs returns the stock TTL for every class.
func DefaultTTLs() map[Class]time.Duration {
	return map[Class]time.Duration{
		ClassMetadata:           6 * time.Hour,
		ClassParticipants:       30 * time.Minute,
		ClassLiveLeaderboard:    2 * time.Minute,
		ClassQuery:              60 * time.Second,
		ClassActiveCompetitions: 5 * time.Minute,
	}
}

const fallbackTTL = 2 * time.Minute

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

// durableRecord is the JSON envelope stored in the durable tier.
type durableRecord struct {
	Value     json.RawMessage `json:"v"`
	CreatedAt int64           `json:"c"`
	ExpiresAt int64           `json:"e"`
}

// Cache is a two-tier TTL cache. Safe for concurrent use.
type Cache struct {
	name      string
	namespace string
	durable   kv.Store
	ttls      map[Class]time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	// epoch increments on every invalidation; a value produced or read from
	// the durable tier under an older epoch is returned but not stored.
	epoch  uint64
	flight singleflight.Group

	wmu     sync.RWMutex
	closed  bool
	writes  chan writeOp
	drained chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithDurable attaches a durable tier. Without one the cache is volatile only.
func WithDurable(s kv.Store) Option { return func(c *Cache) { c.durable = s } }

// WithTTLs overrides class TTLs. Classes missing from m keep their default.
func WithTTLs(m map[Class]time.Duration) Option {
	return func(c *Cache) {
		for k, v := range m {
			c.ttls[k] = v
		}
	}
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option { return func(c *Cache) { c.clock = clk } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithName sets the name used as the metrics label.
func WithName(name string) Option { return func(c *Cache) { c.name = name } }

// WithNamespace sets the durable key prefix (default "cache:").
func WithNamespace(ns string) Option { return func(c *Cache) { c.namespace = ns } }

// New creates a Cache. Call Close to flush and stop the durable writer.
func New(opts ...Option) *Cache {
	c := &Cache{
		name:      "default",
		namespace: "cache:",
		ttls:      DefaultTTLs(),
		clock:     clock.System{},
		logger:    slog.Default(),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.durable != nil {
		c.writes = make(chan writeOp, 256)
		c.drained = make(chan struct{})
		go c.writer()
	}
	return c
}

// TTL returns the configured duration for class, falling back to the
// live-leaderboard TTL for unknown classes.
func (c *Cache) TTL(class Class) time.Duration {
	if d, ok := c.ttls[class]; ok && d > 0 {
		return d
	}
	if d, ok := c.ttls[ClassLiveLeaderboard]; ok && d > 0 {
		return d
	}
	return fallbackTTL
}

// Len returns the number of entries in the volatile tier, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ---------------------------------------------------------------------------
// Typed access
// ---------------------------------------------------------------------------

// Get returns the cached value for key if present and unexpired.
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	v, src := lookup[T](ctx, c, key)
	switch src {
	case srcVolatile:
		cacheRequests.WithLabelValues(c.name, "hit").Inc()
	case srcDurable:
		cacheRequests.WithLabelValues(c.name, "durable_hit").Inc()
	default:
		cacheRequests.WithLabelValues(c.name, "miss").Inc()
	}
	return v, src != srcNone
}

// Set stores value under key in both tiers with the TTL of class.
func Set[T any](c *Cache, key string, value T, class Class) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	store(c, key, value, class, epoch)
}

// ErrPartial is returned by a producer, possibly wrapped, together with a
// value that is usable but must not be cached. Fetch hands that value and
// the error to every waiting caller and stores nothing.
var ErrPartial = errors.New("cache: partial result not stored")

// partial carries a producer's value alongside ErrPartial through the
// in-flight group.
type partial[T any] struct{ v T }

// Fetch returns the cached value for key, or runs produce exactly once
// across concurrent callers and caches its result. Producer errors are
// returned to every waiting caller and are not cached.
//
// The producer runs detached from the caller's cancellation: a caller that
// gives up simply discards the result, which still lands in the cache.
func Fetch[T any](ctx context.Context, c *Cache, key string, class Class, produce func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := Get[T](ctx, c, key); ok {
		return v, nil
	}
	res, err, shared := c.flight.Do(key, func() (any, error) {
		if v, src := lookup[T](ctx, c, key); src != srcNone {
			return v, nil
		}
		c.mu.Lock()
		epoch := c.epoch
		c.mu.Unlock()

		v, err := produce(context.WithoutCancel(ctx))
		if errors.Is(err, ErrPartial) {
			return partial[T]{v}, err
		}
		if err != nil {
			return nil, err
		}
		store(c, key, v, class, epoch)
		return v, nil
	})
	if shared {
		cacheRequests.WithLabelValues(c.name, "coalesced").Inc()
	}
	var zero T
	if err != nil {
		if p, ok := res.(partial[T]); ok {
			return p.v, err
		}
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

// ForceFetch drops any entry for key, detaches from an in-flight producer
// started before the drop, and delegates to Fetch.
func ForceFetch[T any](ctx context.Context, c *Cache, key string, class Class, produce func(ctx context.Context) (T, error)) (T, error) {
	c.Invalidate(ctx, key)
	return Fetch(ctx, c, key, class, produce)
}

type source int

const (
	srcNone source = iota
	srcVolatile
	srcDurable
)

func lookup[T any](ctx context.Context, c *Cache, key string) (T, source) {
	var zero T
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(c.entries, key)
		cacheEvictions.WithLabelValues(c.name, "expired").Inc()
		ok = false
	}
	epoch := c.epoch
	c.mu.Unlock()

	if ok {
		if v, typed := e.value.(T); typed {
			return v, srcVolatile
		}
	}
	if c.durable == nil {
		return zero, srcNone
	}

	raw, err := c.durable.Get(ctx, c.namespace+key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("cache durable read failed",
				slog.String("cache", c.name), slog.String("key", key), slog.Any("error", err))
		}
		return zero, srcNone
	}
	var rec durableRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.enqueue(writeOp{key: key, remove: true})
		return zero, srcNone
	}
	expiresAt := time.UnixMilli(rec.ExpiresAt)
	if !now.Before(expiresAt) {
		c.enqueue(writeOp{key: key, remove: true})
		cacheEvictions.WithLabelValues(c.name, "expired").Inc()
		return zero, srcNone
	}
	var v T
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return zero, srcNone
	}

	c.mu.Lock()
	if c.epoch == epoch {
		c.entries[key] = &entry{value: v, createdAt: time.UnixMilli(rec.CreatedAt), expiresAt: expiresAt}
	}
	c.mu.Unlock()
	return v, srcDurable
}

func store[T any](c *Cache, key string, value T, class Class, epoch uint64) {
	now := c.clock.Now()
	e := &entry{value: value, createdAt: now, expiresAt: now.Add(c.TTL(class))}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.entries[key] = e
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not serializable, volatile only",
			slog.String("cache", c.name), slog.String("key", key), slog.Any("error", err))
		return
	}
	rec, _ := json.Marshal(durableRecord{
		Value:     payload,
		CreatedAt: e.createdAt.UnixMilli(),
		ExpiresAt: e.expiresAt.UnixMilli(),
	})
	c.enqueue(writeOp{key: key, value: string(rec)})
}

// ---------------------------------------------------------------------------
// Invalidation and pruning
// ---------------------------------------------------------------------------

// Invalidate removes key, or every key matching a glob pattern ("*" and
// "?" wildcards, anchored at both ends), from both tiers. It returns the
// number of distinct keys removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	match := matcher(pattern)
	removed := make(map[string]struct{})

	c.mu.Lock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			removed[k] = struct{}{}
		}
	}
	c.epoch++
	c.mu.Unlock()

	for k := range removed {
		c.flight.Forget(k)
	}
	if !hasWildcard(pattern) {
		c.flight.Forget(pattern)
	}

	if c.durable != nil {
		result := make(chan []string, 1)
		op := writeOp{match: match, prefix: literalPrefix(pattern), result: result}
		if c.enqueue(op) {
			for _, k := range <-result {
				removed[k] = struct{}{}
			}
		} else {
			for _, k := range c.removeMatching(ctx, op) {
				removed[k] = struct{}{}
			}
		}
	}
	if len(removed) > 0 {
		cacheEvictions.WithLabelValues(c.name, "invalidated").Add(float64(len(removed)))
	}
	return len(removed)
}

// PruneVolatile evicts the oldest volatile entries (by creation time) until
// at most max remain. The durable tier is untouched. Returns the number
// evicted.
func (c *Cache) PruneVolatile(max int) int {
	if max < 0 {
		max = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	excess := len(c.entries) - max
	if excess <= 0 {
		return 0
	}
	type aged struct {
		key     string
		created time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.createdAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return clock.TotalOrderLess(all[i].created, all[i].key, all[j].created, all[j].key)
	})
	for _, a := range all[:excess] {
		delete(c.entries, a.key)
	}
	cacheEvictions.WithLabelValues(c.name, "pruned").Add(float64(excess))
	return excess
}

// PruneExpired drops expired entries from both tiers. Expired entries are
// otherwise only evicted when touched. Returns the number of distinct keys
// removed.
func (c *Cache) PruneExpired(ctx context.Context) int {
	now := c.clock.Now()
	removed := make(map[string]struct{})

	c.mu.Lock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed[k] = struct{}{}
		}
	}
	c.mu.Unlock()

	if c.durable != nil {
		expired := func(k string) bool {
			raw, err := c.durable.Get(ctx, c.namespace+k)
			if err != nil {
				return false
			}
			var rec durableRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return true
			}
			return !now.Before(time.UnixMilli(rec.ExpiresAt))
		}
		op := writeOp{match: expired, result: make(chan []string, 1)}
		var keys []string
		if c.enqueue(op) {
			keys = <-op.result
		} else {
			keys = c.removeMatching(ctx, op)
		}
		for _, k := range keys {
			removed[k] = struct{}{}
		}
	}
	if len(removed) > 0 {
		cacheEvictions.WithLabelValues(c.name, "expired").Add(float64(len(removed)))
	}
	return len(removed)
}

func hasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// matcher translates a glob into an anchored match. A pattern without
// wildcards matches only itself.
func matcher(pattern string) func(string) bool {
	if !hasWildcard(pattern) {
		return func(k string) bool { return k == pattern }
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re := regexp.MustCompile(b.String())
	return re.MatchString
}

// literalPrefix returns the part of pattern before the first wildcard.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// ---------------------------------------------------------------------------
// Durable writer
// ---------------------------------------------------------------------------

type writeOp struct {
	key    string
	value  string
	remove bool

	// pattern removal
	match  func(string) bool
	prefix string
	result chan []string

	// barrier
	done chan struct{}
}

// enqueue hands op to the writer. It returns false if the cache is closed
// or has no durable tier, in which case the op was not queued.
func (c *Cache) enqueue(op writeOp) bool {
	if c.durable == nil {
		return false
	}
	c.wmu.RLock()
	defer c.wmu.RUnlock()
	if c.closed {
		return false
	}
	c.writes <- op
	return true
}

func (c *Cache) writer() {
	defer close(c.drained)
	for op := range c.writes {
		c.apply(op)
	}
}

func (c *Cache) apply(op writeOp) {
	ctx := context.Background()
	switch {
	case op.done != nil:
		close(op.done)
	case op.match != nil:
		op.result <- c.removeMatching(ctx, op)
	case op.remove:
		if err := c.durable.Remove(ctx, c.namespace+op.key); err != nil {
			c.logger.Warn("cache durable remove failed",
				slog.String("cache", c.name), slog.String("key", op.key), slog.Any("error", err))
		}
	default:
		if err := c.durable.Set(ctx, c.namespace+op.key, op.value); err != nil {
			durableWriteFailures.WithLabelValues(c.name).Inc()
			c.logger.Warn("cache durable write failed",
				slog.String("cache", c.name), slog.String("key", op.key), slog.Any("error", err))
		}
	}
}

func (c *Cache) removeMatching(ctx context.Context, op writeOp) []string {
	keys, err := c.durable.ListKeys(ctx, c.namespace+op.prefix)
	if err != nil {
		c.logger.Warn("cache durable list failed", slog.String("cache", c.name), slog.Any("error", err))
		return nil
	}
	var removed []string
	for _, full := range keys {
		k := strings.TrimPrefix(full, c.namespace)
		if !op.match(k) {
			continue
		}
		if err := c.durable.Remove(ctx, full); err != nil {
			c.logger.Warn("cache durable remove failed",
				slog.String("cache", c.name), slog.String("key", k), slog.Any("error", err))
			continue
		}
		removed = append(removed, k)
	}
	return removed
}

// Flush blocks until every durable write queued before the call is applied.
func (c *Cache) Flush() {
	done := make(chan struct{})
	if c.enqueue(writeOp{done: done}) {
		<-done
	}
}

// Close drains pending durable writes and stops the writer. The volatile
// tier keeps working; later durable writes are dropped.
func (c *Cache) Close() {
	if c.durable == nil {
		return
	}
	c.wmu.Lock()
	if c.closed {
		c.wmu.Unlock()
		return
	}
	c.closed = true
	close(c.writes)
	c.wmu.Unlock()
	<-c.drained
}
