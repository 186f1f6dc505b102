package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]domain.Document),
		now:  time.Now,
	}
}

// Get retrieves a document from memory.
func (s *MemoryStore) Get(_ context.Context, ref string) (domain.Document, error) {
	key, err := cleanRef(ref)
	if err != nil {
		return domain.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key]
	if !ok {
		return domain.Document{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return doc, nil
}

// Put saves a document to memory, defaulting its content type and timestamp.
func (s *MemoryStore) Put(_ context.Context, doc domain.Document) error {
	key, err := cleanRef(doc.Ref)
	if err != nil {
		return err
	}
	doc.Ref = key
	if doc.ContentType == "" {
		doc.ContentType = contentTypeFor(key)
	}
	if doc.ModifiedAt.IsZero() {
		doc.ModifiedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = doc
	return nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}
