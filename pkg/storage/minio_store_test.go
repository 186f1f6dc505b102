package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// fakeObjectServer answers path-style GET and PUT object requests.
type fakeObjectServer struct {
	mu      sync.Mutex
	objects map[string]string
	denied  map[string]bool
	puts    map[string]string // key -> content type
}

const accessDeniedXML = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>AccessDenied</Code><Message>Access Denied.</Message><BucketName>docs</BucketName><Resource>/docs/private.md</Resource><RequestId>1</RequestId><HostId>fake</HostId></Error>`

func (f *fakeObjectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodGet:
		if f.denied[key] {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(accessDeniedXML))
			return
		}
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/markdown")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("ETag", `"0123456789abcdef"`)
		w.Header().Set("Last-Modified", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		_, _ = w.Write([]byte(body))
	case http.MethodPut:
		f.puts[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"0123456789abcdef"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newMinIOFixture(t *testing.T, cfg MinIOConfig) (*MinIOStore, *fakeObjectServer) {
	t.Helper()
	fake := &fakeObjectServer{objects: map[string]string{}, denied: map[string]bool{}, puts: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	t.Setenv(DefaultMinIOAccessKeyEnv, "enhance")
	t.Setenv(DefaultMinIOSecretKeyEnv, "enhance-secret")

	cfg.Endpoint = u.Host
	cfg.Region = "us-east-1"
	s, err := OpenMinIOStore(cfg)
	require.NoError(t, err)
	return s, fake
}

func TestMinIOStore_Get(t *testing.T) {
	s, fake := newMinIOFixture(t, MinIOConfig{Bucket: "docs", Prefix: "/tenant-a/"})
	fake.objects["docs/tenant-a/notes.md"] = "Release notes"

	doc, err := s.Get(context.Background(), "notes.md")
	require.NoError(t, err)
	assert.Equal(t, "notes.md", doc.Ref)
	assert.Equal(t, "Release notes", doc.Content)
	assert.Equal(t, "text/markdown", doc.ContentType)
	assert.Equal(t, 2026, doc.ModifiedAt.Year())

	_, err = s.Get(context.Background(), "absent.md")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	_, err = s.Get(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMinIOStore_GetMapsObjectErrors(t *testing.T) {
	s, fake := newMinIOFixture(t, MinIOConfig{Bucket: "docs"})
	fake.denied["docs/private.md"] = true

	_, err := s.Get(context.Background(), "missing.md")
	require.ErrorIs(t, err, domain.ErrDocumentNotFound)
	assert.NotContains(t, err.Error(), "read document")

	_, err = s.Get(context.Background(), "private.md")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDocumentNotFound)
	assert.Contains(t, err.Error(), "Access Denied")
}

func TestMinIOStore_GetEnforcesSizeLimit(t *testing.T) {
	s, fake := newMinIOFixture(t, MinIOConfig{Bucket: "docs", MaxBytes: 4})
	fake.objects["docs/big.md"] = "far too long"

	_, err := s.Get(context.Background(), "big.md")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMinIOStore_Put(t *testing.T) {
	s, fake := newMinIOFixture(t, MinIOConfig{Bucket: "docs"})

	require.NoError(t, s.Put(context.Background(), domain.Document{Ref: "reports/q3.md", Content: "body"}))
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Contains(t, fake.puts, "docs/reports/q3.md")
}

func TestOpenMinIOStore_RequiresLocation(t *testing.T) {
	_, err := OpenMinIOStore(MinIOConfig{Bucket: "docs"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = OpenMinIOStore(MinIOConfig{Endpoint: "localhost:9000"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
