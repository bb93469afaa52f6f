// Package local implements a filesystem object store with JSON metadata sidecars.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where payloads are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes payloads to the local filesystem.
type BlobStore struct {
	baseDir string
	ids     crawler.IDGenerator
	logger  *zap.Logger
}

var _ crawler.ObjectStore = (*BlobStore)(nil)

// New creates a new local filesystem-backed blob store.
func New(cfg Config, ids crawler.IDGenerator, logger *zap.Logger) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir, ids: ids, logger: logger}, nil
}

// SaveFile writes the payload and its metadata sidecar, returning the new id.
func (s *BlobStore) SaveFile(_ context.Context, data []byte, meta crawler.FileMetadata) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate file id: %w", err)
	}
	payloadPath, err := s.pathFor(id)
	if err != nil {
		return "", err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(payloadPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.WriteFile(payloadPath+".json", metaJSON, 0o600); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	return id, nil
}

// GetFile reads the payload stored under id.
func (s *BlobStore) GetFile(_ context.Context, fileID string) ([]byte, bool) {
	payloadPath, err := s.pathFor(fileID)
	if err != nil {
		s.logger.Warn("invalid file id", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	data, err := os.ReadFile(payloadPath)
	if err != nil {
		s.logger.Warn("read file failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	return data, true
}

// Metadata reads the sidecar stored with id.
func (s *BlobStore) Metadata(fileID string) (crawler.FileMetadata, error) {
	payloadPath, err := s.pathFor(fileID)
	if err != nil {
		return crawler.FileMetadata{}, err
	}
	raw, err := os.ReadFile(payloadPath + ".json")
	if err != nil {
		return crawler.FileMetadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta crawler.FileMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return crawler.FileMetadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func (s *BlobStore) pathFor(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("file id is required")
	}
	fullPath := filepath.Join(s.baseDir, id)
	cleanBaseDir := filepath.Clean(s.baseDir)
	if filepath.Dir(filepath.Clean(fullPath)) != cleanBaseDir {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
