// Package gcs provides an object store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes file payloads to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
	ids    crawler.IDGenerator
	logger *zap.Logger
}

var _ crawler.ObjectStore = (*BlobStore)(nil)

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config, ids crawler.IDGenerator, logger *zap.Logger) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		ids:    ids,
		logger: logger,
	}, nil
}

// SaveFile uploads data under a fresh id with metadata as object metadata.
func (s *BlobStore) SaveFile(ctx context.Context, data []byte, meta crawler.FileMetadata) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate file id: %w", err)
	}
	writer := s.client.Bucket(s.bucket).Object(s.objectName(id)).NewWriter(ctx)
	if meta.ContentType != "" {
		writer.ContentType = meta.ContentType
	}
	writer.Metadata = metadataMap(meta)
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return id, nil
}

// GetFile downloads the object stored under id.
func (s *BlobStore) GetFile(ctx context.Context, fileID string) ([]byte, bool) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(fileID)).NewReader(ctx)
	if err != nil {
		s.logger.Warn("open gcs object failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			s.logger.Debug("close gcs reader", zap.Error(closeErr))
		}
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		s.logger.Warn("read gcs object failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (s *BlobStore) objectName(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

func metadataMap(meta crawler.FileMetadata) map[string]string {
	m := map[string]string{
		"original_url": meta.OriginalURL,
		"product_name": meta.ProductName,
		"filename":     meta.Filename,
		"size":         strconv.FormatInt(meta.Size, 10),
	}
	if meta.SHA256 != "" {
		m["sha256"] = meta.SHA256
	}
	return m
}
