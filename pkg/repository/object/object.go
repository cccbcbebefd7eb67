package object

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

// ResultDir holds the tool outputs of every execution.
const ResultDir = "execution-result"

// GetResultObjectPath makes the object path of a file execution result.
// Format: execution-result/exe-{executionUID}/file-{fileExecutionUID}
func GetResultObjectPath(executionUID types.ExecutionUIDType, fileExecutionUID types.FileExecutionUIDType) string {
	return path.Join(ResultDir, "exe-"+executionUID.String(), "file-"+fileExecutionUID.String())
}

// Storage defines the interface for object storage operations.
// Implementations: MinIO (default), GCS, in-memory.
type Storage interface {
	GetFile(ctx context.Context, bucket string, filePath string) ([]byte, error)
	PutFile(ctx context.Context, bucket string, filePath string, content []byte, mimeType string) error
	DeleteFile(ctx context.Context, bucket string, filePath string) error

	// GetBucket returns the default bucket name for this storage backend.
	// An empty bucket argument in the operations above means this bucket.
	GetBucket() string
}

type memoryObject struct {
	content  []byte
	mimeType string
}

type memoryStorage struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
}

// NewMemoryStorage returns a process-local Storage, used in development and
// tests.
func NewMemoryStorage(bucket string) Storage {
	return &memoryStorage{
		bucket:  bucket,
		objects: map[string]memoryObject{},
	}
}

func (m *memoryStorage) key(bucket, filePath string) string {
	if bucket == "" {
		bucket = m.bucket
	}
	return bucket + "/" + filePath
}

func (m *memoryStorage) GetFile(_ context.Context, bucket string, filePath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[m.key(bucket, filePath)]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", filePath, errdomain.ErrNotFound)
	}
	return append([]byte(nil), obj.content...), nil
}

func (m *memoryStorage) PutFile(_ context.Context, bucket string, filePath string, content []byte, mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[m.key(bucket, filePath)] = memoryObject{
		content:  append([]byte(nil), content...),
		mimeType: mimeType,
	}
	return nil
}

func (m *memoryStorage) DeleteFile(_ context.Context, bucket string, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, m.key(bucket, filePath))
	return nil
}

func (m *memoryStorage) GetBucket() string {
	return m.bucket
}
