package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// MinIOConfig locates documents on MinIO or another S3-compatible server
// without going through the AWS credential chain.
type MinIOConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Bucket   string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix" toml:"prefix" json:"prefix"`
	Region   string `yaml:"region" toml:"region" json:"region"`
	Secure   bool   `yaml:"secure" toml:"secure" json:"secure"`
	// AccessKeyEnv and SecretKeyEnv name the variables holding credentials.
	AccessKeyEnv string `yaml:"access_key_env" toml:"access_key_env" json:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env" toml:"secret_key_env" json:"secret_key_env"`
	MaxBytes     int64  `yaml:"max_bytes" toml:"max_bytes" json:"max_bytes"`
}

// Default credential variables.
const (
	DefaultMinIOAccessKeyEnv = "MINIO_ACCESS_KEY"
	DefaultMinIOSecretKeyEnv = "MINIO_SECRET_KEY"
)

// MinIOStore reads documents through the MinIO client. Refs map to keys
// below Prefix.
type MinIOStore struct {
	client   *minio.Client
	bucket   string
	prefix   string
	maxBytes int64
}

// OpenMinIOStore connects to cfg.Endpoint with static credentials.
func OpenMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, domain.InvalidInput("minio endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, domain.InvalidInput("minio bucket is required")
	}
	accessEnv := cfg.AccessKeyEnv
	if accessEnv == "" {
		accessEnv = DefaultMinIOAccessKeyEnv
	}
	secretEnv := cfg.SecretKeyEnv
	if secretEnv == "" {
		secretEnv = DefaultMinIOSecretKeyEnv
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv(accessEnv), os.Getenv(secretEnv), ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOStore{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		maxBytes: cfg.MaxBytes,
	}, nil
}

func (s *MinIOStore) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Get implements domain.DocumentStore.
func (s *MinIOStore) Get(ctx context.Context, ref string) (domain.Document, error) {
	name, err := cleanRef(ref)
	if err != nil {
		return domain.Document{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return domain.Document{}, s.objectError(err, ref, name)
	}
	defer func() { _ = obj.Close() }()

	// The object is fetched lazily; Stat issues the request so a missing key
	// surfaces before any read.
	info, err := obj.Stat()
	if err != nil {
		return domain.Document{}, s.objectError(err, ref, name)
	}
	content, err := readLimited(obj, ref, s.maxBytes)
	if err != nil {
		return domain.Document{}, s.objectError(err, ref, name)
	}
	doc := domain.Document{Ref: name, Content: content, ContentType: contentTypeFor(name)}
	if info.ContentType != "" {
		doc.ContentType = info.ContentType
	}
	doc.ModifiedAt = info.LastModified.UTC()
	return doc, nil
}

func (s *MinIOStore) objectError(err error, ref, name string) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
	}
	if errors.Is(err, domain.ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("get minio object %s: %w", s.key(name), err)
}

// Put uploads doc.
func (s *MinIOStore) Put(ctx context.Context, doc domain.Document) error {
	name, err := cleanRef(doc.Ref)
	if err != nil {
		return err
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = contentTypeFor(name)
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(name), strings.NewReader(doc.Content), int64(len(doc.Content)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put minio object %s: %w", s.key(name), err)
	}
	return nil
}

// Close is a no-op; the client holds only pooled connections.
func (s *MinIOStore) Close() error { return nil }
