package cache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// LRU is a bounded cache that evicts the least recently accessed entry. When
// several entries share the oldest access time the largest is evicted first.
//
// Lookups lock only the shard owning a fingerprint. The entry and byte budgets
// are global: eviction compares the oldest candidate of every shard, so the
// victim is the least recently used entry of the whole cache.
type LRU struct {
	ttl        time.Duration
	clock      Clock
	codec      *codec
	shards     []*lruShard
	maxEntries int
	maxBytes   int64
	stats      counters

	entries atomic.Int64
	bytes   atomic.Int64
	seq     atomic.Uint64
	// evictMu serialises victim selection across shards.
	evictMu sync.Mutex
}

type lruShard struct {
	mu    sync.Mutex
	order *list.List // front = most recently used
	items map[domain.Fingerprint]*list.Element
}

type lruItem struct {
	entry     domain.CacheEntry
	expiresAt time.Time
	// seq orders accesses that share a timestamp.
	seq uint64
}

// NewLRU constructs a bounded LRU cache. At least one of MaxEntries or
// MaxBytes must be positive.
func NewLRU(cfg Config) (*LRU, error) {
	if cfg.MaxEntries <= 0 && cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("%w: lru cache requires max_entries or max_bytes", domain.ErrConfigInvalid)
	}
	c, err := newCodec(cfg.CompressAbove, cfg.Compression)
	if err != nil {
		return nil, err
	}
	return newLRU(cfg, c), nil
}

func newLRU(cfg Config, c *codec) *LRU {
	shards := make([]*lruShard, shardCount(cfg.Shards, 0))
	for i := range shards {
		shards[i] = &lruShard{
			order: list.New(),
			items: make(map[domain.Fingerprint]*list.Element),
		}
	}
	l := &LRU{
		ttl:    cfg.TTL,
		clock:  clockOrNow(cfg.Clock),
		codec:  c,
		shards: shards,
	}
	if cfg.MaxEntries > 0 {
		l.maxEntries = cfg.MaxEntries
	}
	if cfg.MaxBytes > 0 {
		l.maxBytes = cfg.MaxBytes
	}
	return l
}

func (l *LRU) shard(fp domain.Fingerprint) *lruShard {
	return l.shards[shardIndex(fp, len(l.shards))]
}

// Kind implements Store.
func (l *LRU) Kind() Kind { return KindLRU }

// Get implements Store.
func (l *LRU) Get(fp domain.Fingerprint) (domain.CacheEntry, bool, error) {
	entry, ok := l.getEntry(fp)
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	payload, err := l.codec.decode(entry.Payload)
	if err != nil {
		l.Invalidate(fp)
		return domain.CacheEntry{}, false, nil
	}
	entry.Payload = payload
	return entry, true, nil
}

// Put implements Store.
func (l *LRU) Put(fp domain.Fingerprint, payload []byte) error {
	stored := l.codec.encode(payload)
	return l.putEntry(domain.CacheEntry{
		Fingerprint: fp,
		Payload:     stored,
		SizeBytes:   int64(len(stored)),
	})
}

// getEntry returns a copy of the stored entry and refreshes its recency.
func (l *LRU) getEntry(fp domain.Fingerprint) (domain.CacheEntry, bool) {
	now := l.clock()
	sh := l.shard(fp)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	elem, ok := sh.items[fp]
	if !ok {
		l.stats.misses.Add(1)
		return domain.CacheEntry{}, false
	}
	item := elem.Value.(*lruItem)
	if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
		l.removeLocked(sh, elem)
		l.stats.expirations.Add(1)
		l.stats.misses.Add(1)
		return domain.CacheEntry{}, false
	}

	item.entry.LastAccessedAt = now
	item.seq = l.seq.Add(1)
	sh.order.MoveToFront(elem)
	l.stats.hits.Add(1)
	return item.entry.Clone(), true
}

// putEntry stores an already-framed entry, stamping its timestamps.
func (l *LRU) putEntry(entry domain.CacheEntry) error {
	if l.maxBytes > 0 && entry.SizeBytes > l.maxBytes {
		return fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, entry.SizeBytes, l.maxBytes)
	}

	now := l.clock()
	entry.CreatedAt = now
	entry.LastAccessedAt = now
	item := &lruItem{entry: entry}
	if l.ttl > 0 {
		item.expiresAt = now.Add(l.ttl)
	}

	sh := l.shard(entry.Fingerprint)
	sh.mu.Lock()
	item.seq = l.seq.Add(1)
	if existing, ok := sh.items[entry.Fingerprint]; ok {
		old := existing.Value.(*lruItem)
		l.bytes.Add(entry.SizeBytes - old.entry.SizeBytes)
		existing.Value = item
		sh.order.MoveToFront(existing)
	} else {
		sh.items[entry.Fingerprint] = sh.order.PushFront(item)
		l.entries.Add(1)
		l.bytes.Add(entry.SizeBytes)
	}
	sh.mu.Unlock()

	fp := entry.Fingerprint
	evicted := l.enforce(&fp)
	l.stats.puts.Add(1)
	l.stats.evictions.Add(uint64(evicted))
	return nil
}

// Invalidate implements Store.
func (l *LRU) Invalidate(fp domain.Fingerprint) {
	sh := l.shard(fp)
	sh.mu.Lock()
	if elem, ok := sh.items[fp]; ok {
		l.removeLocked(sh, elem)
	}
	sh.mu.Unlock()
}

// EvictIfNeeded drops expired entries and enforces the budget.
func (l *LRU) EvictIfNeeded() int {
	now := l.clock()
	expired := 0
	if l.ttl > 0 {
		for _, sh := range l.shards {
			sh.mu.Lock()
			for elem := sh.order.Back(); elem != nil; {
				prev := elem.Prev()
				if item := elem.Value.(*lruItem); !now.Before(item.expiresAt) {
					l.removeLocked(sh, elem)
					expired++
				}
				elem = prev
			}
			sh.mu.Unlock()
		}
	}
	evicted := l.enforce(nil)
	l.stats.expirations.Add(uint64(expired))
	l.stats.evictions.Add(uint64(evicted))
	return expired + evicted
}

// Len implements Store.
func (l *LRU) Len() int { return int(l.entries.Load()) }

// SizeBytes implements Store.
func (l *LRU) SizeBytes() int64 { return l.bytes.Load() }

// Stats implements Store.
func (l *LRU) Stats() Stats {
	st := l.stats.snapshot()
	st.Entries = l.Len()
	st.Bytes = l.SizeBytes()
	return st
}

func (l *LRU) overBudget() bool {
	if l.maxEntries > 0 && l.entries.Load() > int64(l.maxEntries) {
		return true
	}
	return l.maxBytes > 0 && l.bytes.Load() > l.maxBytes
}

// candidate is the eviction choice of one shard.
type candidate struct {
	shard    int
	elem     *list.Element
	accessed time.Time
	size     int64
	seq      uint64
}

// before reports whether c should be evicted ahead of other.
func (c candidate) before(other candidate) bool {
	if !c.accessed.Equal(other.accessed) {
		return c.accessed.Before(other.accessed)
	}
	if c.size != other.size {
		return c.size > other.size
	}
	return c.seq < other.seq
}

// enforce evicts until the cache fits its budget. protect is never chosen.
func (l *LRU) enforce(protect *domain.Fingerprint) int {
	l.evictMu.Lock()
	defer l.evictMu.Unlock()

	evicted := 0
	for l.overBudget() {
		var best candidate
		found := false
		for i, sh := range l.shards {
			sh.mu.Lock()
			c, ok := sh.victimLocked(protect)
			sh.mu.Unlock()
			if !ok {
				continue
			}
			c.shard = i
			if !found || c.before(best) {
				best, found = c, true
			}
		}
		if !found {
			break
		}

		sh := l.shards[best.shard]
		sh.mu.Lock()
		item := best.elem.Value.(*lruItem)
		// A concurrent access may have refreshed or replaced the candidate.
		if cur, ok := sh.items[item.entry.Fingerprint]; ok && cur == best.elem && item.seq == best.seq {
			l.removeLocked(sh, best.elem)
			evicted++
		}
		sh.mu.Unlock()
	}
	return evicted
}

// victimLocked picks the shard's least recently accessed entry; among entries
// that share that access time it picks the largest.
func (sh *lruShard) victimLocked(protect *domain.Fingerprint) (candidate, bool) {
	protected := func(elem *list.Element) bool {
		return protect != nil && elem.Value.(*lruItem).entry.Fingerprint == *protect
	}
	oldest := sh.order.Back()
	for oldest != nil && protected(oldest) {
		oldest = oldest.Prev()
	}
	if oldest == nil {
		return candidate{}, false
	}

	victim := oldest.Value.(*lruItem)
	best := oldest
	for elem := oldest.Prev(); elem != nil; elem = elem.Prev() {
		if protected(elem) {
			continue
		}
		item := elem.Value.(*lruItem)
		if !item.entry.LastAccessedAt.Equal(victim.entry.LastAccessedAt) {
			break
		}
		if item.entry.SizeBytes > victim.entry.SizeBytes {
			victim, best = item, elem
		}
	}
	return candidate{
		elem:     best,
		accessed: victim.entry.LastAccessedAt,
		size:     victim.entry.SizeBytes,
		seq:      victim.seq,
	}, true
}

func (l *LRU) removeLocked(sh *lruShard, elem *list.Element) {
	item := elem.Value.(*lruItem)
	sh.order.Remove(elem)
	delete(sh.items, item.entry.Fingerprint)
	l.entries.Add(-1)
	l.bytes.Add(-item.entry.SizeBytes)
}
