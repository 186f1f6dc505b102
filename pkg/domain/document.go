package domain

import (
	"context"
	"time"
)

// Document is the unit under enhancement.
type Document struct {
	Ref         string
	Content     string
	ContentType string
	ModifiedAt  time.Time
}

// DocumentStore provides read-only access to documents.
type DocumentStore interface {
	Get(ctx context.Context, ref string) (Document, error)
}
