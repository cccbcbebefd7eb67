package object

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/instill-ai/execution-backend/config"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

type gcsStorage struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// NewGCSStorage creates a new object.Storage implementation using GCS.
func NewGCSStorage(ctx context.Context, cfg config.GCSConfig, logger *zap.Logger) (Storage, error) {
	if cfg.Bucket == "" {
		return nil, errorsx.AddMessage(
			errdomain.ErrInvalidArgument,
			"GCS bucket name is required",
		)
	}

	var opts []option.ClientOption
	if cfg.SAKey != "" {
		saKey, err := unwrapServiceAccountKey([]byte(cfg.SAKey))
		if err != nil {
			return nil, errorsx.AddMessage(err, "Unable to process service account credentials.")
		}
		opts = append(opts, option.WithCredentialsJSON(saKey))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	return &gcsStorage{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With(
			zap.String("storage", "gcs"),
			zap.String("project", cfg.ProjectID),
			zap.String("bucket", cfg.Bucket),
		),
	}, nil
}

// unwrapServiceAccountKey extracts the credentials from a Vault response
// (data.data) when the key is wrapped in one.
func unwrapServiceAccountKey(key []byte) ([]byte, error) {
	var keyData map[string]any
	if err := json.Unmarshal(key, &keyData); err != nil {
		return key, nil
	}

	data, ok := keyData["data"].(map[string]any)
	if !ok {
		return key, nil
	}
	inner, ok := data["data"].(map[string]any)
	if !ok {
		return key, nil
	}

	unwrapped, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service account key: %w", err)
	}
	return unwrapped, nil
}

func (g *gcsStorage) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return g.bucket
	}
	return bucket
}

// GetFile implements object.Storage.GetFile
func (g *gcsStorage) GetFile(ctx context.Context, bucket string, filePath string) ([]byte, error) {
	reader, err := g.client.Bucket(g.bucketOrDefault(bucket)).Object(filePath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", filePath, errdomain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object content: %w", err)
	}

	return content, nil
}

// PutFile implements object.Storage.PutFile
func (g *gcsStorage) PutFile(ctx context.Context, bucket string, filePath string, content []byte, mimeType string) error {
	writer := g.client.Bucket(g.bucketOrDefault(bucket)).Object(filePath).NewWriter(ctx)
	writer.ContentType = mimeType
	writer.Metadata = map[string]string{"source": "execution-backend"}

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS upload: %w", err)
	}

	g.logger.Debug("File uploaded to GCS", zap.String("path", filePath))
	return nil
}

// DeleteFile implements object.Storage.DeleteFile
func (g *gcsStorage) DeleteFile(ctx context.Context, bucket string, filePath string) error {
	err := g.client.Bucket(g.bucketOrDefault(bucket)).Object(filePath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object: %w", err)
	}
	return nil
}

// GetBucket returns the default GCS bucket name
func (g *gcsStorage) GetBucket() string {
	return g.bucket
}
