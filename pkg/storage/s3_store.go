package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// ObjectAPI is the subset of the S3 client the store uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the bucket documents live in.
type S3Config struct {
	Bucket string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" toml:"prefix" json:"prefix"`
	Region string `yaml:"region" toml:"region" json:"region"`
	// Endpoint targets S3-compatible services; it implies path-style addressing.
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	MaxBytes int64  `yaml:"max_bytes" toml:"max_bytes" json:"max_bytes"`
}

// S3Store reads documents from an S3 bucket. Refs map to keys below Prefix.
type S3Store struct {
	client   ObjectAPI
	bucket   string
	prefix   string
	maxBytes int64
}

// NewS3Store wraps an existing client.
func NewS3Store(client ObjectAPI, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, domain.InvalidInput("s3 bucket is required")
	}
	return &S3Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		maxBytes: cfg.MaxBytes,
	}, nil
}

// OpenS3Store builds a client from the default AWS credential chain.
func OpenS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, cfg)
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Get implements domain.DocumentStore.
func (s *S3Store) Get(ctx context.Context, ref string) (domain.Document, error) {
	name, err := cleanRef(ref)
	if err != nil {
		return domain.Document{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return domain.Document{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return domain.Document{}, fmt.Errorf("get s3 object %s: %w", s.key(name), err)
	}
	defer func() { _ = out.Body.Close() }()

	content, err := readLimited(out.Body, ref, s.maxBytes)
	if err != nil {
		return domain.Document{}, err
	}
	doc := domain.Document{
		Ref:         name,
		Content:     content,
		ContentType: aws.ToString(out.ContentType),
	}
	if doc.ContentType == "" {
		doc.ContentType = contentTypeFor(name)
	}
	if out.LastModified != nil {
		doc.ModifiedAt = out.LastModified.UTC()
	}
	return doc, nil
}

// Put uploads doc.
func (s *S3Store) Put(ctx context.Context, doc domain.Document) error {
	name, err := cleanRef(doc.Ref)
	if err != nil {
		return err
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = contentTypeFor(name)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        strings.NewReader(doc.Content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3 object %s: %w", s.key(name), err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *S3Store) Close() error { return nil }
