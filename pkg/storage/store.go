// Package storage provides the document stores the orchestrator reads from:
// in-memory, a root-jailed directory, S3 and MinIO.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// ErrNotFound is returned when a document does not exist in the store.
var ErrNotFound = domain.ErrDocumentNotFound

// DefaultMaxBytes bounds how much of a document a store reads.
const DefaultMaxBytes int64 = 16 << 20

// Store is a document store that can also be written, for seeding and tests.
type Store interface {
	domain.DocumentStore
	Put(ctx context.Context, doc domain.Document) error
	Close() error
}

func cleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", domain.InvalidInput("document ref is required")
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(ref, "\\", "/"))
	return strings.TrimPrefix(cleaned, "/"), nil
}

func contentTypeFor(ref string) string {
	if ct := mime.TypeByExtension(path.Ext(ref)); ct != "" {
		return ct
	}
	return "text/plain; charset=utf-8"
}

// readLimited reads r fully, failing when it holds more than limit bytes.
func readLimited(r io.Reader, ref string, limit int64) (string, error) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", ref, err)
	}
	if int64(len(data)) > limit {
		return "", domain.InvalidInput("document %s exceeds %d bytes", ref, limit)
	}
	return string(data), nil
}
