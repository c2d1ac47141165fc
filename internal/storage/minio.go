// Package storage provides the object storage boundary used by job
// post-processing to place produced files.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/streamkit/transcode-coordinator/internal/config"
)

// MinioStore stores files in a MinIO / S3 compatible bucket.
type MinioStore struct {
	logger *slog.Logger
	client *minio.Client
	bucket string
}

func NewMinioStore(ctx context.Context, logger *slog.Logger, cfg *config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage client: %w", err)
	}

	s := &MinioStore{
		logger: logger,
		client: client,
		bucket: cfg.Bucket,
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	logger.Info("object storage ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", s.bucket, err)
		}
		s.logger.Info("created bucket", "bucket", s.bucket)
	}
	return nil
}

// SaveFile uploads a local file under the given key and returns its
// locator.
func (s *MinioStore) SaveFile(ctx context.Context, localPath, key string) (string, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to upload %q: %w", localPath, err)
	}
	s.logger.Debug("uploaded file", "key", key, "size", info.Size)
	return fmt.Sprintf("%s/%s", s.bucket, key), nil
}

// Remove deletes an object. A missing object is not an error, the
// caller may retry post-processing that already removed it.
func (s *MinioStore) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	return nil
}
