package object

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/config"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

// Location is the region used when the default bucket is created.
const Location = "us-east-1"

type minioStorage struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOStorage creates a new object.Storage implementation using MinIO and
// makes sure the default bucket exists.
func NewMinIOStorage(ctx context.Context, cfg config.MinioConfig, logger *zap.Logger) (Storage, error) {
	logger = logger.With(
		zap.String("storage", "minio"),
		zap.String("host:port", cfg.Host+":"+cfg.Port),
		zap.String("user", cfg.User),
		zap.String("bucket", cfg.BucketName),
	)

	client, err := minio.New(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.User, cfg.Password, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("checking bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: Location,
		}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		logger.Info("Successfully created bucket")
	} else {
		logger.Info("Bucket already exists")
	}

	return &minioStorage{
		client: client,
		bucket: cfg.BucketName,
		logger: logger,
	}, nil
}

func (m *minioStorage) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return m.bucket
	}
	return bucket
}

// GetFile implements object.Storage.GetFile
func (m *minioStorage) GetFile(ctx context.Context, bucket string, filePath string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.bucketOrDefault(bucket), filePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object from MinIO: %w", err)
	}
	defer object.Close()

	content, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("object %s: %w", filePath, errdomain.ErrNotFound)
		}
		return nil, fmt.Errorf("reading object from MinIO: %w", err)
	}

	return content, nil
}

// PutFile implements object.Storage.PutFile
func (m *minioStorage) PutFile(ctx context.Context, bucket string, filePath string, content []byte, mimeType string) error {
	_, err := m.client.PutObject(
		ctx,
		m.bucketOrDefault(bucket),
		filePath,
		bytes.NewReader(content),
		int64(len(content)),
		minio.PutObjectOptions{ContentType: mimeType},
	)
	if err != nil {
		m.logger.Error("Failed to upload file to MinIO", zap.String("path", filePath), zap.Error(err))
		return fmt.Errorf("uploading object to MinIO: %w", err)
	}
	return nil
}

// DeleteFile implements object.Storage.DeleteFile
func (m *minioStorage) DeleteFile(ctx context.Context, bucket string, filePath string) error {
	if err := m.client.RemoveObject(ctx, m.bucketOrDefault(bucket), filePath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting object from MinIO: %w", err)
	}
	return nil
}

// GetBucket returns the default MinIO bucket name
func (m *minioStorage) GetBucket() string {
	return m.bucket
}
