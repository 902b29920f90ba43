// Package attachment validates attachment uploads and stores their bytes out of band.
package attachment

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Blob stores attachment bytes under caller-chosen keys.
type Blob interface {
	Put(ctx context.Context, in PutInput) (url string, err error)
	Delete(ctx context.Context, key string) error
}

// PutInput is one object write.
type PutInput struct {
	Key         string
	Data        []byte
	ContentType string
}

// MemoryBlob keeps objects in process memory. Dev and tests only.
type MemoryBlob struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
}

// NewMemoryBlob returns an empty MemoryBlob whose URLs are baseURL + "/" + key.
func NewMemoryBlob(baseURL string) *MemoryBlob {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "memory://attachments"
	}
	return &MemoryBlob{baseURL: baseURL, objects: make(map[string]memObject)}
}

// Put stores a copy of in.Data.
func (m *MemoryBlob) Put(ctx context.Context, in PutInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if in.Key == "" {
		return "", fmt.Errorf("memory blob: empty key")
	}
	data := make([]byte, len(in.Data))
	copy(data, in.Data)

	m.mu.Lock()
	m.objects[in.Key] = memObject{data: data, contentType: in.ContentType}
	m.mu.Unlock()
	return m.baseURL + "/" + in.Key, nil
}

// Delete removes key; a missing key is not an error.
func (m *MemoryBlob) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Get returns a stored object (tests, dev download route).
func (m *MemoryBlob) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	return o.data, o.contentType, ok
}

// Len returns the number of stored objects.
func (m *MemoryBlob) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
