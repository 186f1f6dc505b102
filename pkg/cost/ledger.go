package cost

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Ledger persists settled spend per scope window. Implementations must be
// safe for concurrent use; the Tracker serialises calls for any single key.
type Ledger interface {
	// Spent returns the settled spend recorded under key, zero when absent.
	Spent(ctx context.Context, key string) (float64, error)
	// Add records delta under key and returns the new total.
	Add(ctx context.Context, key string, delta float64) (float64, error)
	Close() error
}

func ledgerKey(scope, window string) string {
	return scope + "@" + window
}

// MemoryLedger keeps spend in process memory.
type MemoryLedger struct {
	mu    sync.Mutex
	spent map[string]float64
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{spent: make(map[string]float64)}
}

// Spent implements Ledger.
func (l *MemoryLedger) Spent(_ context.Context, key string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent[key], nil
}

// Add implements Ledger.
func (l *MemoryLedger) Add(_ context.Context, key string, delta float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spent[key] += delta
	return l.spent[key], nil
}

// Close implements Ledger.
func (l *MemoryLedger) Close() error { return nil }

var spendBucket = []byte("spend")

// BoltLedger persists spend in a bbolt database so scope budgets survive
// restarts. Values are IEEE-754 doubles in big-endian order.
type BoltLedger struct {
	db *bolt.DB
}

// OpenBoltLedger opens or creates the ledger database at path.
func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cost ledger %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(spendBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cost ledger: %w", err)
	}
	return &BoltLedger{db: db}, nil
}

// Spent implements Ledger.
func (l *BoltLedger) Spent(ctx context.Context, key string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var total float64
	err := l.db.View(func(tx *bolt.Tx) error {
		v, err := decodeSpend(tx.Bucket(spendBucket).Get([]byte(key)))
		total = v
		return err
	})
	return total, err
}

// Add implements Ledger.
func (l *BoltLedger) Add(ctx context.Context, key string, delta float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var total float64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spendBucket)
		current, err := decodeSpend(b.Get([]byte(key)))
		if err != nil {
			return err
		}
		total = current + delta
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(total))
		return b.Put([]byte(key), buf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("record spend for %s: %w", key, err)
	}
	return total, nil
}

// Close releases the database file lock.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func decodeSpend(raw []byte) (float64, error) {
	switch len(raw) {
	case 0:
		return 0, nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	default:
		return 0, errors.New("corrupt ledger value")
	}
}
