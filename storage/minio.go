package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ruteri/confidential-executor/interfaces"
)

// MinioConfig configures a MinioBackend.
type MinioConfig struct {
	// Endpoint is host:port without a scheme.
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// Bucket receives stored envelopes. Fetch reads whatever bucket the locator names.
	Bucket string
	Prefix string
}

func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("access key and secret key are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// MinioBackend stores envelopes in a MinIO deployment.
type MinioBackend struct {
	blobLimit

	client *minio.Client
	cfg    MinioConfig
	log    *slog.Logger
}

func NewMinioBackend(cfg MinioConfig, log *slog.Logger) (*MinioBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinioBackend{client: client, cfg: cfg, log: log}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (b *MinioBackend) Fetch(ctx context.Context, loc interfaces.BlobLocation) ([]byte, error) {
	if loc.Scheme != "minio" {
		return nil, fmt.Errorf("%w: %s is not a minio locator", interfaces.ErrInvalidLocator, loc)
	}

	start := time.Now()
	obj, err := b.client.GetObject(ctx, loc.Bucket(), loc.ObjectKey(), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer obj.Close()

	data, err := b.readAll(obj)
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "NoSuchKey", "NoSuchBucket":
			return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, loc)
		}
		return nil, fmt.Errorf("failed to read object from MinIO: %w", err)
	}

	b.log.Debug("Fetched content from MinIO",
		slog.String("bucket", loc.Bucket()),
		slog.String("key", loc.ObjectKey()),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Store uploads data to the configured bucket, named by its SHA-256.
func (b *MinioBackend) Store(ctx context.Context, data []byte) (interfaces.BlobLocation, error) {
	key := objectKey(b.cfg.Prefix, data)

	_, err := b.client.PutObject(ctx, b.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return interfaces.BlobLocation{}, fmt.Errorf("failed to upload object to MinIO: %w", err)
	}

	b.log.Debug("Stored content in MinIO", slog.String("bucket", b.cfg.Bucket), slog.String("key", key))
	return interfaces.ParseBlobLocation(fmt.Sprintf("minio://%s/%s", b.cfg.Bucket, key))
}

func (b *MinioBackend) Available(ctx context.Context) bool {
	exists, err := b.client.BucketExists(ctx, b.cfg.Bucket)
	if err != nil || !exists {
		b.log.Warn("MinIO backend unavailable", slog.String("bucket", b.cfg.Bucket), "err", err)
		return false
	}
	return true
}

func (b *MinioBackend) Name() string {
	return "minio-" + b.cfg.Endpoint + "-" + b.cfg.Bucket
}

func (b *MinioBackend) Scheme() string {
	return "minio"
}
