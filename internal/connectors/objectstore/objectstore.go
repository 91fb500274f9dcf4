// Package objectstore stages media in an S3-compatible bucket (Cloudflare R2
// in production) so that platforms which pull media by URL can reach it.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"repost-pipeline/internal/config"
)

// ErrNotConfigured is returned by New when no bucket is configured.
var ErrNotConfigured = errors.New("object storage not configured")

// Config selects the bucket and how its objects are addressed publicly.
type Config struct {
	Endpoint      string
	Region        string
	AccessKeyID   string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	// PathStyle addresses the bucket in the URL path. R2 and most
	// S3-compatible services want it.
	PathStyle bool
}

// FromAppConfig maps the R2_* settings.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		Endpoint:      cfg.R2Endpoint,
		Region:        cfg.R2Region,
		AccessKeyID:   cfg.R2AccessKeyID,
		SecretKey:     cfg.R2SecretKey,
		Bucket:        cfg.R2Bucket,
		PublicBaseURL: cfg.R2PublicBaseURL,
		PathStyle:     true,
	}
}

// Store uploads objects and reports their public URL.
type Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// New builds an S3 client for cfg. Static credentials are used when given,
// otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// Upload writes body under key and returns the object's public URL.
func (s *Store) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return s.URL(key), nil
}

// Delete removes an object. Missing objects are not an error on S3.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// URL is the public address of key.
func (s *Store) URL(key string) string {
	return s.publicURL + "/" + strings.TrimPrefix(key, "/")
}

// NewKey returns a unique object key under prefix keeping the extension of name.
func NewKey(prefix, name string) string {
	return path.Join(prefix, uuid.NewString()+strings.ToLower(path.Ext(name)))
}
