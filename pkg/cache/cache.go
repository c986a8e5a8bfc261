// Package cache implements the fingerprint-keyed knowledge cache that sits in
// front of the executors: TTL-based staleness, capacity-bounded LRU eviction,
// and single-flight dedup so at most one execution per fingerprint is ever in
// flight. It is the sole owner of the duplicate-checking concern.
package cache

import (
	"container/list"
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/fingerprint"
)

// ComponentName is the cache's identity in ownership rules.
const ComponentName = "knowledge-cache"

// ErrAborted is returned to joined waiters when the exclusive executor aborts.
// Waiters are expected to re-attempt BeginExecution themselves; failures are
// never cached.
var ErrAborted = errors.New("cache: in-flight execution aborted")

// Entry is the cached outcome of one successful execution of a fingerprint.
// At most one Entry exists per fingerprint at any time. A published Entry is
// never mutated; TTL refreshes install a replacement copy.
type Entry struct {
	Fingerprint  fingerprint.Fingerprint `json:"fingerprint"`
	Result       *contracts.Result       `json:"result"`
	Quality      int                     `json:"quality"`
	CreatedAt    time.Time               `json:"created_at"`
	ExpiresAt    time.Time               `json:"expires_at"`
	Escalated    bool                    `json:"escalated"`
	SubThreshold bool                    `json:"sub_threshold"`
}

// Store is the optional durability backend. All methods are best-effort from
// the cache's point of view: a failing store degrades to memory-only.
type Store interface {
	LoadAll(ctx context.Context) ([]*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error
}

const stripeCount = 64

type waitResult struct {
	entry   *Entry
	aborted bool
}

// Flight is the handle BeginExecution returns. Exclusive flights must end in
// exactly one Commit or Abort; joined flights block on Wait.
type Flight struct {
	Exclusive bool

	fp       fingerprint.Fingerprint
	resolved *Entry
	ch       chan waitResult
}

// Wait blocks a joined caller until the exclusive execution commits or
// aborts, or until ctx is cancelled. Cancelling detaches this waiter only;
// the exclusive executor and other waiters are unaffected.
func (f *Flight) Wait(ctx context.Context) (*Entry, error) {
	if f.resolved != nil {
		return f.resolved, nil
	}
	if f.Exclusive {
		return nil, errors.New("cache: exclusive flight does not wait on itself")
	}
	select {
	case r := <-f.ch:
		if r.aborted {
			return nil, ErrAborted
		}
		return r.entry, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type stripe struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint]*Entry
	flights map[fingerprint.Fingerprint][]chan waitResult
}

// Cache is the concurrency-safe knowledge cache. Striped locking keeps
// unrelated fingerprints from contending; the LRU index has its own lock and
// is only touched briefly on lookups and inserts.
type Cache struct {
	stripes  [stripeCount]*stripe
	ttl      time.Duration
	capacity int

	lruMu sync.Mutex
	lru   *list.List
	index map[fingerprint.Fingerprint]*list.Element

	store  Store
	logger *slog.Logger
	clock  func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache with the given TTL and capacity. A nil store disables
// durability.
func New(ttl time.Duration, capacity int, store Store, logger *slog.Logger) *Cache {
	c := &Cache{
		ttl:      ttl,
		capacity: capacity,
		lru:      list.New(),
		index:    make(map[fingerprint.Fingerprint]*list.Element),
		store:    store,
		logger:   logger,
		clock:    time.Now,
	}
	for i := range c.stripes {
		c.stripes[i] = &stripe{
			entries: make(map[fingerprint.Fingerprint]*Entry),
			flights: make(map[fingerprint.Fingerprint][]chan waitResult),
		}
	}
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// Warm loads persisted entries, dropping any that expired while the process
// was down.
func (c *Cache) Warm(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	now := c.clock()
	loaded := 0
	for _, e := range entries {
		if !e.ExpiresAt.After(now) {
			_ = c.store.Delete(ctx, e.Fingerprint)
			continue
		}
		s := c.stripeFor(e.Fingerprint)
		s.mu.Lock()
		s.entries[e.Fingerprint] = e
		s.mu.Unlock()
		c.touch(e.Fingerprint)
		loaded++
	}
	c.logger.Info("cache warmed", "loaded", loaded, "dropped", len(entries)-loaded)
	return nil
}

// Lookup returns the live entry for a fingerprint. An expired entry is
// treated as a miss and removed. A hit refreshes the entry's TTL by
// replacing it with a refreshed copy: published entries are never mutated,
// so holders of an earlier pointer and the store writer below read stable
// fields without the stripe lock.
func (c *Cache) Lookup(fp fingerprint.Fingerprint) (*Entry, bool) {
	s := c.stripeFor(fp)
	s.mu.Lock()
	e, ok := s.entries[fp]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	now := c.clock()
	if !e.ExpiresAt.After(now) {
		delete(s.entries, fp)
		s.mu.Unlock()
		c.forget(fp)
		c.misses.Add(1)
		return nil, false
	}
	refreshed := *e
	refreshed.CreatedAt = now
	refreshed.ExpiresAt = now.Add(c.ttl)
	s.entries[fp] = &refreshed
	s.mu.Unlock()

	c.touch(fp)
	if c.store != nil {
		if err := c.store.Put(context.Background(), &refreshed); err != nil {
			c.logger.Warn("cache store refresh failed", "fingerprint", fp, "error", err)
		}
	}
	c.hits.Add(1)
	return &refreshed, true
}

// BeginExecution resolves who runs a missed fingerprint. The first caller
// gets an exclusive flight and must Commit or Abort; concurrent callers get a
// join handle. If a fresh entry landed between Lookup and BeginExecution the
// returned flight resolves immediately.
func (c *Cache) BeginExecution(fp fingerprint.Fingerprint) *Flight {
	s := c.stripeFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[fp]; ok && e.ExpiresAt.After(c.clock()) {
		return &Flight{fp: fp, resolved: e}
	}
	if _, inflight := s.flights[fp]; inflight {
		ch := make(chan waitResult, 1)
		s.flights[fp] = append(s.flights[fp], ch)
		return &Flight{fp: fp, ch: ch}
	}
	s.flights[fp] = []chan waitResult{}
	return &Flight{fp: fp, Exclusive: true}
}

// Commit promotes a completed execution to a cache entry and releases every
// waiter with the same entry.
func (c *Cache) Commit(fp fingerprint.Fingerprint, result *contracts.Result, quality int, escalated, subThreshold bool) *Entry {
	now := c.clock()
	e := &Entry{
		Fingerprint:  fp,
		Result:       result,
		Quality:      quality,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
		Escalated:    escalated,
		SubThreshold: subThreshold,
	}

	s := c.stripeFor(fp)
	s.mu.Lock()
	s.entries[fp] = e
	waiters := s.flights[fp]
	delete(s.flights, fp)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{entry: e}
	}

	c.touch(fp)
	c.evictOver()
	if c.store != nil {
		if err := c.store.Put(context.Background(), e); err != nil {
			c.logger.Warn("cache store put failed", "fingerprint", fp, "error", err)
		}
	}
	return e
}

// Abort discards an in-flight execution without caching anything. Waiters
// are released to re-attempt BeginExecution themselves.
func (c *Cache) Abort(fp fingerprint.Fingerprint) {
	s := c.stripeFor(fp)
	s.mu.Lock()
	waiters := s.flights[fp]
	delete(s.flights, fp)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{aborted: true}
	}
}

// Stats reports hit/miss/eviction counters since process start.
func (c *Cache) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func (c *Cache) stripeFor(fp fingerprint.Fingerprint) *stripe {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return c.stripes[h.Sum32()%stripeCount]
}

// touch marks fp most-recently-used.
func (c *Cache) touch(fp fingerprint.Fingerprint) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if el, ok := c.index[fp]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.index[fp] = c.lru.PushFront(fp)
}

// forget drops fp from the LRU index.
func (c *Cache) forget(fp fingerprint.Fingerprint) {
	c.lruMu.Lock()
	if el, ok := c.index[fp]; ok {
		c.lru.Remove(el)
		delete(c.index, fp)
	}
	c.lruMu.Unlock()
	if c.store != nil {
		if err := c.store.Delete(context.Background(), fp); err != nil {
			c.logger.Warn("cache store delete failed", "fingerprint", fp, "error", err)
		}
	}
}

// evictOver enforces the capacity bound, oldest first, never evicting a
// fingerprint with an active flight.
func (c *Cache) evictOver() {
	if c.capacity <= 0 {
		return
	}
	for {
		c.lruMu.Lock()
		if c.lru.Len() <= c.capacity {
			c.lruMu.Unlock()
			return
		}
		var victim fingerprint.Fingerprint
		found := false
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			fp := el.Value.(fingerprint.Fingerprint)
			if !c.hasFlight(fp) {
				victim = fp
				found = true
				break
			}
		}
		if !found {
			c.lruMu.Unlock()
			return
		}
		el := c.index[victim]
		c.lru.Remove(el)
		delete(c.index, victim)
		c.lruMu.Unlock()

		s := c.stripeFor(victim)
		s.mu.Lock()
		delete(s.entries, victim)
		s.mu.Unlock()
		c.evictions.Add(1)
		if c.store != nil {
			if err := c.store.Delete(context.Background(), victim); err != nil {
				c.logger.Warn("cache store delete failed", "fingerprint", victim, "error", err)
			}
		}
	}
}

func (c *Cache) hasFlight(fp fingerprint.Fingerprint) bool {
	s := c.stripeFor(fp)
	s.mu.Lock()
	_, ok := s.flights[fp]
	s.mu.Unlock()
	return ok
}
