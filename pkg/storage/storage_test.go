package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-enhance/pkg/domain"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, domain.Document{Ref: "/guides/intro.md", Content: "# Intro"}))
	doc, err := s.Get(ctx, "guides/intro.md")
	require.NoError(t, err)
	assert.Equal(t, "# Intro", doc.Content)
	assert.Equal(t, "guides/intro.md", doc.Ref)
	assert.False(t, doc.ModifiedAt.IsZero())
	assert.NotEmpty(t, doc.ContentType)

	_, err = s.Get(ctx, "missing.md")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
	_, err = s.Get(ctx, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.NoError(t, s.Close())
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenFileStore(dir, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(ctx, domain.Document{Ref: "notes/today.txt", Content: "hello"}))
	doc, err := s.Get(ctx, "notes/today.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Content)
	assert.Equal(t, "text/plain; charset=utf-8", doc.ContentType)

	_, err = s.Get(ctx, "notes/missing.txt")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	_, err = s.Get(ctx, "notes")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("x", 65)), 0o600))
	_, err = s.Get(ctx, "big.txt")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFileStore_StaysInsideRoot(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("s3cr3t"), 0o600))
	root := filepath.Join(parent, "docs")
	require.NoError(t, os.Mkdir(root, 0o750))

	s, err := OpenFileStore(root, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Get(ctx, "../secret.txt")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	require.NoError(t, os.Symlink(filepath.Join(parent, "secret.txt"), filepath.Join(root, "link.txt")))
	_, err = s.Get(ctx, "link.txt")
	assert.Error(t, err)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &s3.GetObjectOutput{
		Body:         io.NopCloser(strings.NewReader(body)),
		LastModified: &modified,
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string]string{}}
	s, err := NewS3Store(client, S3Config{Bucket: "docs", Prefix: "/tenant-a/"})
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, domain.Document{Ref: "guide.md", Content: "body"}))
	assert.Contains(t, client.objects, "docs/tenant-a/guide.md")

	doc, err := s.Get(ctx, "guide.md")
	require.NoError(t, err)
	assert.Equal(t, "body", doc.Content)
	assert.Equal(t, 2026, doc.ModifiedAt.Year())

	_, err = s.Get(ctx, "absent.md")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	_, err = NewS3Store(client, S3Config{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
