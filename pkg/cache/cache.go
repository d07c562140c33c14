package cache

import (
	"encoding/binary"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

// Config contains configuration for a Cache.
type Config struct {
	// Capacity is the maximum number of resident entries. Must be at least 1.
	Capacity int

	// TTL is applied when Put is called with a non-positive ttl.
	TTL time.Duration

	// Shards is the number of lock shards, rounded up to a power of two.
	// Defaults to 32.
	Shards int

	// SweepInterval is how often the janitor removes expired entries.
	// Zero disables the janitor; SweepExpired can still be called directly.
	SweepInterval time.Duration
}

// Option customises a Cache.
type Option[V any] func(*Cache[V])

// WithClock replaces the time source. Intended for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// WithClone sets the function used to copy values in and out of the cache
// so callers never share memory with a resident entry.
func WithClone[V any](clone func(V) V) Option[V] {
	return func(c *Cache[V]) { c.clone = clone }
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// entry is immutable after it is published to a shard map except for
// lastAccess, which readers bump atomically.
type entry[V any] struct {
	value      V
	createdAt  int64
	expiresAt  int64
	seq        uint64
	lastAccess atomic.Int64
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[Key]*entry[V]
}

// Cache is a bounded, sharded key/value store with TTL expiry and LRU
// eviction. Independent keys in different shards never contend; the only
// cross-shard state is the resident counter and the insertion sequence.
type Cache[V any] struct {
	shards   []*shard[V]
	mask     uint64
	capacity int64
	ttl      time.Duration

	// count is the number of reserved slots. It is incremented before an
	// insert and decremented after a removal, so it is always an upper bound
	// of the resident entries and never exceeds capacity.
	count atomic.Int64
	seq   atomic.Uint64

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64

	// evictMu serialises evictions so two full inserts do not both pick
	// and fight over the same victim.
	evictMu sync.Mutex

	epoch time.Time
	now   func() time.Time
	clone func(V) V

	logger *slog.Logger

	stopCh    chan struct{}
	stopOnce  sync.Once
	janitorWG sync.WaitGroup
}

// New creates a cache from cfg. When cfg.SweepInterval is positive a
// background janitor is started and Close must be called to stop it.
func New[V any](cfg Config, opts ...Option[V]) *Cache[V] {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Shards < 1 {
		cfg.Shards = 32
	}
	n := 1 << bits.Len(uint(cfg.Shards-1))

	c := &Cache[V]{
		shards:   make([]*shard[V], n),
		mask:     uint64(n - 1),
		capacity: int64(cfg.Capacity),
		ttl:      cfg.TTL,
		now:      time.Now,
		logger:   slog.Default().With("component", "policy_cache"),
		stopCh:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{entries: make(map[Key]*entry[V])}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.epoch = c.now()

	if cfg.SweepInterval > 0 {
		c.janitorWG.Add(1)
		go c.janitor(cfg.SweepInterval)
	}

	return c
}

// Get returns a copy of the value stored under key. Expired entries are
// reported absent and removed.
func (c *Cache[V]) Get(key Key) (value V, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache read failed, treating as miss", "panic", r)
			var zero V
			value, ok = zero, false
		}
	}()

	s := c.shardFor(key)
	now := c.tick()

	s.mu.RLock()
	e, found := s.entries[key]
	if found && now < e.expiresAt {
		e.lastAccess.Store(now)
		value = e.value
		s.mu.RUnlock()
		c.hits.Add(1)
		return c.copy(value), true
	}
	s.mu.RUnlock()

	if found && c.removeIf(s, key, e) {
		c.expirations.Add(1)
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Put stores a copy of value under key for ttl. A non-positive ttl uses the
// configured default. When the cache is full, expired entries are swept and
// then the least recently accessed entry is evicted.
func (c *Cache[V]) Put(key Key, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if ttl <= 0 {
		return
	}

	now := c.tick()
	e := &entry[V]{
		value:     c.copy(value),
		createdAt: now,
		expiresAt: now + int64(ttl),
		seq:       c.seq.Add(1),
	}
	e.lastAccess.Store(now)

	s := c.shardFor(key)

	s.mu.Lock()
	if _, exists := s.entries[key]; exists {
		s.entries[key] = e
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	c.reserve()

	s.mu.Lock()
	if _, exists := s.entries[key]; exists {
		// Another writer inserted the key while we were reserving.
		s.entries[key] = e
		s.mu.Unlock()
		c.count.Add(-1)
		return
	}
	s.entries[key] = e
	s.mu.Unlock()
}

// Remove deletes key and reports whether it was resident.
func (c *Cache[V]) Remove(key Key) bool {
	s := c.shardFor(key)

	s.mu.Lock()
	_, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		c.count.Add(-1)
	}
	return ok
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		n := len(s.entries)
		s.entries = make(map[Key]*entry[V])
		s.mu.Unlock()
		c.count.Add(int64(-n))
	}
}

// Len returns the number of resident entries, including expired entries
// that have not been swept yet.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Capacity returns the configured capacity.
func (c *Cache[V]) Capacity() int {
	return int(c.capacity)
}

// SweepExpired removes every expired entry and returns how many were removed.
func (c *Cache[V]) SweepExpired() int {
	now := c.tick()
	removed := 0

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now >= e.expiresAt {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		c.count.Add(int64(-removed))
		c.expirations.Add(uint64(removed))
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Entries:     c.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// Close stops the janitor. The cache remains usable afterwards.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.janitorWG.Wait()
}

// reserve claims one slot of capacity, evicting as needed.
func (c *Cache[V]) reserve() {
	for {
		n := c.count.Load()
		if n < c.capacity {
			if c.count.CompareAndSwap(n, n+1) {
				return
			}
			continue
		}
		c.makeRoom()
	}
}

// makeRoom frees at least one slot if the cache is still full once the
// eviction lock is held.
func (c *Cache[V]) makeRoom() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if c.count.Load() < c.capacity {
		return
	}
	if c.SweepExpired() > 0 {
		return
	}

	for {
		s, key, victim := c.oldest()
		if victim == nil {
			// Slots are reserved by in-flight inserts that are not yet
			// visible. Let them land.
			return
		}
		if c.removeIf(s, key, victim) {
			c.evictions.Add(1)
			return
		}
	}
}

// oldest scans every shard for the entry with the smallest last access,
// breaking ties by insertion sequence.
func (c *Cache[V]) oldest() (*shard[V], Key, *entry[V]) {
	var (
		bestShard *shard[V]
		bestKey   Key
		best      *entry[V]
		bestTime  int64
	)

	for _, s := range c.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			la := e.lastAccess.Load()
			if best == nil || la < bestTime || (la == bestTime && e.seq < best.seq) {
				bestShard, bestKey, best, bestTime = s, k, e, la
			}
		}
		s.mu.RUnlock()
	}

	return bestShard, bestKey, best
}

// removeIf deletes key only if it still maps to e.
func (c *Cache[V]) removeIf(s *shard[V], key Key, e *entry[V]) bool {
	s.mu.Lock()
	cur, ok := s.entries[key]
	if ok && cur == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok && cur == e {
		c.count.Add(-1)
		return true
	}
	return false
}

func (c *Cache[V]) janitor(interval time.Duration) {
	defer c.janitorWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.SweepExpired(); n > 0 {
				c.logger.Debug("swept expired cache entries", "removed", n)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache[V]) shardFor(key Key) *shard[V] {
	return c.shards[binary.LittleEndian.Uint64(key[:8])&c.mask]
}

// tick returns nanoseconds since the cache was created.
func (c *Cache[V]) tick() int64 {
	return int64(c.now().Sub(c.epoch))
}

func (c *Cache[V]) copy(v V) V {
	if c.clone == nil {
		return v
	}
	return c.clone(v)
}
