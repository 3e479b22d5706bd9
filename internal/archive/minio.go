package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"studycal/internal/config"
	appLog "studycal/internal/log"
)

// MinIO stores payloads as objects in an S3-compatible bucket.
type MinIO struct {
	client *minio.Client
	bucket string
}

func NewMinIO(cfg config.MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("archive: bucket check: %w", err)
	}
	if ok {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("archive: make bucket: %w", err)
	}
	appLog.Info("archive bucket created", "bucket", m.bucket)
	return nil
}

func (m *MinIO) Put(ctx context.Context, at time.Time, body []byte) (string, error) {
	name := ObjectName(at)
	_, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}
	return m.bucket + "/" + name, nil
}

// FromConfig picks the configured sink. It returns nil when archiving is
// disabled. Dir wins over MinIO when both are set.
func FromConfig(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	if cfg.Dir != "" {
		return Dir{Root: cfg.Dir}, nil
	}
	if cfg.MinIO == nil || cfg.MinIO.Endpoint == "" {
		return nil, nil
	}
	m, err := NewMinIO(*cfg.MinIO)
	if err != nil {
		return nil, err
	}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}
