package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/confidential-executor/interfaces"
)

// S3Config configures an S3Backend.
type S3Config struct {
	Bucket string
	// Prefix is prepended to the keys of stored objects.
	Prefix   string
	Region   string
	Endpoint string
	// Without credentials requests are sent unsigned, which works for public buckets.
	AccessKey string
	SecretKey string
}

// S3Backend implements a storage backend using Amazon S3 or compatible services.
type S3Backend struct {
	blobLimit

	client *s3.S3
	cfg    S3Config
	log    *slog.Logger
}

// NewS3Backend creates a new S3 storage backend.
func NewS3Backend(cfg S3Config, log *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	awsCfg := aws.Config{
		Region:     aws.String(cfg.Region),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		MaxRetries: aws.Int(2),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		awsCfg.Credentials = credentials.AnonymousCredentials
		log.Debug("No S3 credentials provided, bucket assumed to be public", slog.String("bucket", cfg.Bucket))
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client: s3.New(sess),
		cfg:    cfg,
		log:    log,
	}, nil
}

// Fetch retrieves an object from S3.
// Returns ErrContentNotFound if the object doesn't exist.
func (b *S3Backend) Fetch(ctx context.Context, loc interfaces.BlobLocation) ([]byte, error) {
	if loc.Scheme != "s3" {
		return nil, fmt.Errorf("%w: %s is not an s3 locator", interfaces.ErrInvalidLocator, loc)
	}

	start := time.Now()
	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket()),
		Key:    aws.String(loc.ObjectKey()),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == s3.ErrCodeNoSuchBucket || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, loc)
		}

		b.log.Error("Failed to get object from S3",
			slog.String("bucket", loc.Bucket()),
			slog.String("key", loc.ObjectKey()),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := b.readAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	b.log.Debug("Fetched content from S3",
		slog.String("bucket", loc.Bucket()),
		slog.String("key", loc.ObjectKey()),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store uploads data under the configured prefix, named by its SHA-256.
func (b *S3Backend) Store(ctx context.Context, data []byte) (interfaces.BlobLocation, error) {
	key := objectKey(b.cfg.Prefix, data)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return interfaces.BlobLocation{}, fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored content in S3", slog.String("bucket", b.cfg.Bucket), slog.String("key", key))
	return interfaces.ParseBlobLocation(fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, key))
}

// Available checks if the S3 backend is accessible by attempting to head the bucket.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.cfg.Bucket),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable", slog.String("bucket", b.cfg.Bucket), "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return "s3-" + b.cfg.Bucket
}

func (b *S3Backend) Scheme() string {
	return "s3"
}

// objectKey names an object by the SHA-256 of its content.
func objectKey(prefix string, data []byte) string {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
