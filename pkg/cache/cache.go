// Package cache provides the pluggable result cache used by the enhancement
// engine. Three variants share the Store interface: a TTL map (Simple), a
// bounded recency cache (LRU) and an authenticated-encryption wrapper around the
// LRU (Encrypted). Group adds request coalescing on top of any variant.
package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// Kind selects a cache variant.
type Kind string

const (
	// KindSimple is an unbounded TTL map.
	KindSimple Kind = "simple"
	// KindLRU is bounded by bytes and/or entries with least-recently-used eviction.
	KindLRU Kind = "lru"
	// KindEncrypted is an LRU whose entries are sealed with AES-256-GCM.
	KindEncrypted Kind = "encrypted"
)

// ErrEntryTooLarge is returned when a payload can never fit the byte budget.
var ErrEntryTooLarge = errors.New("cache: entry exceeds byte budget")

// Store is the capability set shared by every cache variant.
type Store interface {
	// Get returns the entry for fp. Encrypted stores return an error wrapping
	// domain.ErrIntegrityViolation when the entry fails authentication; the
	// entry is dropped and must be treated as a miss.
	Get(fp domain.Fingerprint) (domain.CacheEntry, bool, error)
	Put(fp domain.Fingerprint, payload []byte) error
	Invalidate(fp domain.Fingerprint)
	// EvictIfNeeded drops expired entries and enforces budgets, returning the
	// number of entries removed.
	EvictIfNeeded() int
	Len() int
	SizeBytes() int64
	Stats() Stats
	Kind() Kind
}

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Config selects and sizes a cache variant.
type Config struct {
	Kind       Kind
	TTL        time.Duration
	MaxEntries int
	MaxBytes   int64
	// Shards partitions the keyspace so unrelated fingerprints never contend
	// on one lock. Budgets always apply to the cache as a whole.
	Shards int
	// CompressAbove enables compression for payloads of at least this many
	// bytes. Zero disables compression.
	CompressAbove int
	// Compression is CompressionZstd (default) or CompressionLZ4.
	Compression string

	// Key is a raw 32-byte AES key. When empty, the key is derived from
	// Passphrase and Salt with PBKDF2-SHA256.
	Key        []byte
	Passphrase string
	Salt       []byte

	Clock Clock
}

const defaultShards = 16

// New builds the variant named by cfg.Kind.
func New(cfg Config) (Store, error) {
	switch Kind(strings.ToLower(string(cfg.Kind))) {
	case KindSimple, "":
		return NewSimple(cfg)
	case KindLRU:
		return NewLRU(cfg)
	case KindEncrypted:
		return NewEncrypted(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown cache kind %q", domain.ErrConfigInvalid, cfg.Kind)
	}
}

// Stats exposes cache counters.
type Stats struct {
	Hits                uint64 `json:"hits"`
	Misses              uint64 `json:"misses"`
	Puts                uint64 `json:"puts"`
	Evictions           uint64 `json:"evictions"`
	Expirations         uint64 `json:"expirations"`
	IntegrityViolations uint64 `json:"integrity_violations"`
	Entries             int    `json:"entries"`
	Bytes               int64  `json:"bytes"`
}

// HitRatio returns hits / (hits + misses), or zero before any lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits, misses, puts, evictions, expirations, integrity atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:                c.hits.Load(),
		Misses:              c.misses.Load(),
		Puts:                c.puts.Load(),
		Evictions:           c.evictions.Load(),
		Expirations:         c.expirations.Load(),
		IntegrityViolations: c.integrity.Load(),
	}
}

func shardCount(requested int, maxEntries int) int {
	n := requested
	if n <= 0 {
		n = defaultShards
	}
	if maxEntries > 0 && n > maxEntries {
		n = maxEntries
	}
	return n
}

func shardIndex(fp domain.Fingerprint, n int) int {
	if n <= 1 {
		return 0
	}
	idx := uint32(fp[0])<<8 | uint32(fp[1])
	return int(idx % uint32(n))
}

func clockOrNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}
