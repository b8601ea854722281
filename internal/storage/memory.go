package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/maheshrc27/postflow/internal/models"
)

const memoryScheme = "memory://"

// MemoryStore keeps blobs in process. It backs STORAGE_DRIVER=memory.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	maxSize int64
}

func NewMemoryStore(maxSize int64) *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), maxSize: maxSize}
}

func (m *MemoryStore) Upload(_ context.Context, r io.Reader, _ string, _ string) (*Object, error) {
	s, err := stage(r, m.maxSize)
	if err != nil {
		return nil, err
	}
	defer s.cleanup()

	data, err := io.ReadAll(s.file)
	if err != nil {
		return nil, models.NewInternal(fmt.Errorf("read staged file: %w", err))
	}

	key := fmt.Sprintf("media/%s.%s", uuid.NewString(), s.kind.Extension)
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()

	return &Object{Key: key, URL: memoryScheme + key, ContentType: s.kind.MIME.Value, Size: s.size}, nil
}

func (m *MemoryStore) Download(_ context.Context, publicURL string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[strings.TrimPrefix(publicURL, memoryScheme)]
	if !ok {
		return nil, models.NewNotFound("media")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Delete(_ context.Context, publicURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, strings.TrimPrefix(publicURL, memoryScheme))
	return nil
}

// Exists reports whether an object is stored under publicURL.
func (m *MemoryStore) Exists(publicURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[strings.TrimPrefix(publicURL, memoryScheme)]
	return ok
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

var (
	_ ObjectStore = (*R2Store)(nil)
	_ ObjectStore = (*MemoryStore)(nil)
)
