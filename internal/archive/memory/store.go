// Package memory keeps archived blobs in memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Object is an archived blob.
type Object struct {
	ContentType string
	Data        []byte
}

// Store holds objects keyed by path.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// PutObject copies r and returns a memory:// URI.
func (s *Store) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{ContentType: contentType, Data: data}
	return "memory://" + path, nil
}

// Get returns the object stored at path.
func (s *Store) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Paths lists stored paths in lexical order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
