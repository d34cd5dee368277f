// Package s3store implements storage.Service against an S3-compatible
// bucket: the usual client construction with a configurable
// bucket/prefix/endpoint/path-style shape, narrowed to the read-only,
// signed-URL-producing subset internal/attachcache needs.
// GetSignedURL uses s3.NewPresignClient, the idiomatic AWS SDK v2
// mechanism for producing a time-limited download URL.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/agentcore/runtime/internal/storage"
)

// Config configures an S3-compatible storage backend.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{Region: "us-east-1"}
}

// Store is a storage.Service backed by an S3-compatible bucket.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// New creates an S3-backed storage.Service.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3store: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Store) objectKey(fileID string) string {
	if s.prefix == "" {
		return fileID
	}
	return path.Join(s.prefix, fileID)
}

// GetFileMetadata retrieves content-type and size via HeadObject.
func (s *Store) GetFileMetadata(ctx context.Context, fileID string) (storage.FileMetadata, error) {
	key := s.objectKey(fileID)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("s3store: head object: %w", err)
	}
	meta := storage.FileMetadata{Name: fileID}
	if out.ContentType != nil {
		meta.MimeType = *out.ContentType
	}
	if out.ContentLength != nil {
		meta.Size = *out.ContentLength
	}
	return meta, nil
}

// DownloadFile streams the object body to destPath.
func (s *Store) DownloadFile(ctx context.Context, fileID string, destPath string) error {
	key := s.objectKey(fileID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("s3store: object %q not found", key)
		}
		return fmt.Errorf("s3store: get object: %w", err)
	}
	defer out.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("s3store: create dest file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("s3store: write dest file: %w", err)
	}
	return nil
}

// GetSignedURL issues a presigned GET URL valid for expiry.
func (s *Store) GetSignedURL(ctx context.Context, fileID string, expiry time.Duration) (string, error) {
	key := s.objectKey(fileID)
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("s3store: presign get object: %w", err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound")
}
