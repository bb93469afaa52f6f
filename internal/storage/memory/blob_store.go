// Package memory provides in-memory crawl and object stores for development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type object struct {
	data []byte
	meta crawler.FileMetadata
}

// BlobStore keeps file payloads in memory.
type BlobStore struct {
	mu      sync.RWMutex
	ids     crawler.IDGenerator
	seq     int
	objects map[string]object
}

var _ crawler.ObjectStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store. ids may be nil, in which
// case sequential ids are used.
func NewBlobStore(ids crawler.IDGenerator) *BlobStore {
	return &BlobStore{
		ids:     ids,
		objects: make(map[string]object),
	}
}

// SaveFile copies data and returns its id.
func (s *BlobStore) SaveFile(_ context.Context, data []byte, meta crawler.FileMetadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	if s.ids != nil {
		var err error
		if id, err = s.ids.NewID(); err != nil {
			return "", fmt.Errorf("generate file id: %w", err)
		}
	} else {
		s.seq++
		id = fmt.Sprintf("mem-%d", s.seq)
	}
	s.objects[id] = object{data: append([]byte(nil), data...), meta: meta}
	return id, nil
}

// GetFile returns a copy of the payload for id.
func (s *BlobStore) GetFile(_ context.Context, fileID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[fileID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Metadata returns the metadata stored with id.
func (s *BlobStore) Metadata(fileID string) (crawler.FileMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[fileID]
	return obj.meta, ok
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
