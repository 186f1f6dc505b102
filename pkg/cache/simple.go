package cache

import (
	"sync"
	"time"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// Simple is an unbounded cache with TTL-only expiry. Lookups are O(1) and
// locking is per shard.
type Simple struct {
	ttl    time.Duration
	clock  Clock
	codec  *codec
	shards []*simpleShard
	stats  counters
}

type simpleShard struct {
	mu      sync.RWMutex
	entries map[domain.Fingerprint]*simpleItem
	bytes   int64
}

type simpleItem struct {
	entry     domain.CacheEntry
	expiresAt time.Time
}

// NewSimple constructs a TTL map cache. A zero TTL keeps entries until invalidated.
func NewSimple(cfg Config) (*Simple, error) {
	c, err := newCodec(cfg.CompressAbove, cfg.Compression)
	if err != nil {
		return nil, err
	}

	n := shardCount(cfg.Shards, 0)
	shards := make([]*simpleShard, n)
	for i := range shards {
		shards[i] = &simpleShard{entries: make(map[domain.Fingerprint]*simpleItem)}
	}

	return &Simple{
		ttl:    cfg.TTL,
		clock:  clockOrNow(cfg.Clock),
		codec:  c,
		shards: shards,
	}, nil
}

func (s *Simple) shard(fp domain.Fingerprint) *simpleShard {
	return s.shards[shardIndex(fp, len(s.shards))]
}

// Kind implements Store.
func (s *Simple) Kind() Kind { return KindSimple }

// Get implements Store.
func (s *Simple) Get(fp domain.Fingerprint) (domain.CacheEntry, bool, error) {
	now := s.clock()
	sh := s.shard(fp)

	sh.mu.Lock()
	item, ok := sh.entries[fp]
	if !ok {
		sh.mu.Unlock()
		s.stats.misses.Add(1)
		return domain.CacheEntry{}, false, nil
	}
	if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
		delete(sh.entries, fp)
		sh.bytes -= item.entry.SizeBytes
		sh.mu.Unlock()
		s.stats.expirations.Add(1)
		s.stats.misses.Add(1)
		return domain.CacheEntry{}, false, nil
	}
	item.entry.LastAccessedAt = now
	entry := item.entry.Clone()
	sh.mu.Unlock()

	payload, err := s.codec.decode(entry.Payload)
	if err != nil {
		s.Invalidate(fp)
		s.stats.misses.Add(1)
		return domain.CacheEntry{}, false, nil
	}
	entry.Payload = payload
	s.stats.hits.Add(1)
	return entry, true, nil
}

// Put implements Store.
func (s *Simple) Put(fp domain.Fingerprint, payload []byte) error {
	now := s.clock()
	stored := s.codec.encode(payload)
	item := &simpleItem{
		entry: domain.CacheEntry{
			Fingerprint:    fp,
			Payload:        stored,
			CreatedAt:      now,
			LastAccessedAt: now,
			SizeBytes:      int64(len(stored)),
		},
	}
	if s.ttl > 0 {
		item.expiresAt = now.Add(s.ttl)
	}

	sh := s.shard(fp)
	sh.mu.Lock()
	if old, ok := sh.entries[fp]; ok {
		sh.bytes -= old.entry.SizeBytes
	}
	sh.entries[fp] = item
	sh.bytes += item.entry.SizeBytes
	sh.mu.Unlock()

	s.stats.puts.Add(1)
	return nil
}

// Invalidate implements Store.
func (s *Simple) Invalidate(fp domain.Fingerprint) {
	sh := s.shard(fp)
	sh.mu.Lock()
	if item, ok := sh.entries[fp]; ok {
		delete(sh.entries, fp)
		sh.bytes -= item.entry.SizeBytes
	}
	sh.mu.Unlock()
}

// EvictIfNeeded removes expired entries.
func (s *Simple) EvictIfNeeded() int {
	if s.ttl <= 0 {
		return 0
	}
	now := s.clock()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for fp, item := range sh.entries {
			if !now.Before(item.expiresAt) {
				delete(sh.entries, fp)
				sh.bytes -= item.entry.SizeBytes
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.stats.expirations.Add(uint64(removed))
	return removed
}

// Len implements Store.
func (s *Simple) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// SizeBytes implements Store.
func (s *Simple) SizeBytes() int64 {
	var n int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += sh.bytes
		sh.mu.RUnlock()
	}
	return n
}

// Stats implements Store.
func (s *Simple) Stats() Stats {
	st := s.stats.snapshot()
	st.Entries = s.Len()
	st.Bytes = s.SizeBytes()
	return st
}
