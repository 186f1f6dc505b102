package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/polisai/polis-enhance/pkg/domain"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// PBKDF2Iterations follows the OWASP 2023 recommendation for PBKDF2-SHA256.
	PBKDF2Iterations = 600_000

	tagSize = 16
)

// Encrypted wraps an LRU and seals every payload with AES-256-GCM under a
// fresh random nonce. The fingerprint is bound as additional authenticated
// data so an entry cannot be replayed under another key. Entries that fail
// authentication are dropped and reported as domain.ErrIntegrityViolation.
type Encrypted struct {
	inner *LRU
	aead  cipher.AEAD
	codec *codec
	rand  io.Reader
}

// NewEncrypted constructs an encrypted LRU cache.
func NewEncrypted(cfg Config) (*Encrypted, error) {
	if cfg.MaxEntries <= 0 && cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("%w: encrypted cache requires max_entries or max_bytes", domain.ErrConfigInvalid)
	}

	key, err := resolveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cache: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cache: create gcm: %w", err)
	}

	c, err := newCodec(cfg.CompressAbove, cfg.Compression)
	if err != nil {
		return nil, err
	}

	return &Encrypted{
		inner: newLRU(cfg, &codec{}),
		aead:  aead,
		codec: c,
		rand:  rand.Reader,
	}, nil
}

// DeriveKey stretches a passphrase into an AES-256 key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

func resolveKey(cfg Config) ([]byte, error) {
	if len(cfg.Key) > 0 {
		if len(cfg.Key) != KeySize {
			return nil, fmt.Errorf("%w: cache key must be %d bytes, got %d", domain.ErrConfigInvalid, KeySize, len(cfg.Key))
		}
		return append([]byte(nil), cfg.Key...), nil
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("%w: encrypted cache requires a key or passphrase", domain.ErrConfigInvalid)
	}
	if len(cfg.Salt) < 16 {
		return nil, fmt.Errorf("%w: encrypted cache salt must be at least 16 bytes", domain.ErrConfigInvalid)
	}
	return DeriveKey(cfg.Passphrase, cfg.Salt), nil
}

// Kind implements Store.
func (e *Encrypted) Kind() Kind { return KindEncrypted }

// Put implements Store.
func (e *Encrypted) Put(fp domain.Fingerprint, payload []byte) error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return fmt.Errorf("cache: generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, e.codec.encode(payload), fp[:])
	body := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	stored := make([]byte, 0, len(nonce)+len(body))
	stored = append(stored, nonce...)
	stored = append(stored, body...)

	return e.inner.putEntry(domain.CacheEntry{
		Fingerprint:  fp,
		Payload:      stored,
		SizeBytes:    int64(len(stored) + len(tag)),
		Encrypted:    true,
		IntegrityTag: append([]byte(nil), tag...),
	})
}

// Get implements Store. It never returns unauthenticated plaintext.
func (e *Encrypted) Get(fp domain.Fingerprint) (domain.CacheEntry, bool, error) {
	entry, ok := e.inner.getEntry(fp)
	if !ok {
		return domain.CacheEntry{}, false, nil
	}

	plain, err := e.open(fp, entry)
	if err != nil {
		e.inner.Invalidate(fp)
		e.inner.stats.integrity.Add(1)
		e.inner.stats.hits.Add(^uint64(0))
		e.inner.stats.misses.Add(1)
		return domain.CacheEntry{}, false, &domain.DomainError{
			Err:     domain.ErrIntegrityViolation,
			Code:    domain.CodeIntegrityViolation,
			Message: fmt.Sprintf("cache entry %s failed authentication", fp.Short()),
			Details: map[string]any{"fingerprint": fp.String()},
		}
	}

	entry.Payload = plain
	return entry, true, nil
}

func (e *Encrypted) open(fp domain.Fingerprint, entry domain.CacheEntry) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if !entry.Encrypted || len(entry.IntegrityTag) != tagSize || len(entry.Payload) < nonceSize {
		return nil, fmt.Errorf("malformed encrypted entry")
	}

	nonce := entry.Payload[:nonceSize]
	sealed := make([]byte, 0, len(entry.Payload)-nonceSize+tagSize)
	sealed = append(sealed, entry.Payload[nonceSize:]...)
	sealed = append(sealed, entry.IntegrityTag...)

	framed, err := e.aead.Open(nil, nonce, sealed, fp[:])
	if err != nil {
		return nil, err
	}
	return e.codec.decode(framed)
}

// Invalidate implements Store.
func (e *Encrypted) Invalidate(fp domain.Fingerprint) { e.inner.Invalidate(fp) }

// EvictIfNeeded implements Store.
func (e *Encrypted) EvictIfNeeded() int { return e.inner.EvictIfNeeded() }

// Len implements Store.
func (e *Encrypted) Len() int { return e.inner.Len() }

// SizeBytes implements Store.
func (e *Encrypted) SizeBytes() int64 { return e.inner.SizeBytes() }

// Stats implements Store.
func (e *Encrypted) Stats() Stats { return e.inner.Stats() }
