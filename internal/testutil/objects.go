package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/trackserver/trackserver/internal/storage"
)

// MemoryObjects is an in-memory storage.ObjectStorage.
type MemoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

// NewMemoryStorage wraps a fresh MemoryObjects in a storage.Storage.
func NewMemoryStorage() (*storage.Storage, *MemoryObjects) {
	objects := NewMemoryObjects()
	return storage.NewStorage(objects), objects
}

func (m *MemoryObjects) EnsureBucket(ctx context.Context) error { return nil }

func (m *MemoryObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.puts++
	return nil
}

func (m *MemoryObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryObjects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryObjects) Bucket() string { return "memory" }

// Len returns the number of stored objects.
func (m *MemoryObjects) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Puts returns how many objects were ever written.
func (m *MemoryObjects) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
