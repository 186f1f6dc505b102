package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// FileStore serves documents from a directory. Refs are resolved inside the
// directory through os.Root, so neither ".." segments nor symlinks can reach
// files outside it.
type FileStore struct {
	root     *os.Root
	maxBytes int64
}

// OpenFileStore opens dir. maxBytes of zero selects DefaultMaxBytes.
func OpenFileStore(dir string, maxBytes int64) (*FileStore, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open document root %s: %w", dir, err)
	}
	return &FileStore{root: root, maxBytes: maxBytes}, nil
}

// Get implements domain.DocumentStore.
func (s *FileStore) Get(ctx context.Context, ref string) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}
	name, err := cleanRef(ref)
	if err != nil {
		return domain.Document{}, err
	}

	f, err := s.root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Document{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return domain.Document{}, fmt.Errorf("open document %s: %w", ref, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return domain.Document{}, fmt.Errorf("stat document %s: %w", ref, err)
	}
	if info.IsDir() {
		return domain.Document{}, domain.InvalidInput("document %s is a directory", ref)
	}
	content, err := readLimited(f, ref, s.maxBytes)
	if err != nil {
		return domain.Document{}, err
	}
	return domain.Document{
		Ref:         name,
		Content:     content,
		ContentType: contentTypeFor(name),
		ModifiedAt:  info.ModTime().UTC(),
	}, nil
}

// Put writes doc below the root, creating parent directories.
func (s *FileStore) Put(ctx context.Context, doc domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanRef(doc.Ref)
	if err != nil {
		return err
	}
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create document directory %s: %w", dir, err)
		}
	}
	if err := s.root.WriteFile(name, []byte(doc.Content), 0o640); err != nil {
		return fmt.Errorf("write document %s: %w", doc.Ref, err)
	}
	return nil
}

// Close releases the directory handle.
func (s *FileStore) Close() error {
	return s.root.Close()
}
