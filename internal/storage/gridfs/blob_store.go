// Package gridfs stores file payloads in a MongoDB GridFS bucket.
package gridfs

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Config names the database and bucket.
type Config struct {
	URI      string
	Database string
	Bucket   string
}

// BlobStore implements crawler.ObjectStore on GridFS. File ids are ObjectID hex strings.
//
// Deadlines live on the gridfs.Bucket, so every call opens its own bucket
// handle rather than sharing one across goroutines.
type BlobStore struct {
	db     *mongo.Database
	name   string
	logger *zap.Logger
}

var _ crawler.ObjectStore = (*BlobStore)(nil)

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// New opens the named GridFS bucket in db.
func New(db *mongo.Database, bucketName string, logger *zap.Logger) (*BlobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("mongo database is required")
	}
	if strings.TrimSpace(bucketName) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &BlobStore{db: db, name: bucketName, logger: logger}
	if _, err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BlobStore) open() (*gridfs.Bucket, error) {
	bucket, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(s.name))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}
	return bucket, nil
}

// SaveFile uploads data with meta attached as the GridFS metadata document.
func (s *BlobStore) SaveFile(ctx context.Context, data []byte, meta crawler.FileMetadata) (string, error) {
	bucket, err := s.open()
	if err != nil {
		return "", err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := bucket.SetWriteDeadline(deadline); err != nil {
			return "", fmt.Errorf("set write deadline: %w", err)
		}
	}
	opts := options.GridFSUpload().SetMetadata(meta)
	id, err := bucket.UploadFromStream(meta.Filename, bytes.NewReader(data), opts)
	if err != nil {
		return "", fmt.Errorf("upload to gridfs: %w", err)
	}
	return id.Hex(), nil
}

// GetFile downloads the payload for a hex ObjectID.
func (s *BlobStore) GetFile(ctx context.Context, fileID string) ([]byte, bool) {
	oid, err := primitive.ObjectIDFromHex(fileID)
	if err != nil {
		s.logger.Warn("invalid gridfs id", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	bucket, err := s.open()
	if err != nil {
		s.logger.Warn("open gridfs bucket failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = bucket.SetReadDeadline(deadline)
	}
	var buf bytes.Buffer
	if _, err := bucket.DownloadToStream(oid, &buf); err != nil {
		s.logger.Warn("download from gridfs failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	return buf.Bytes(), true
}

// Open connects using cfg and returns the store with its client; callers
// disconnect the client on shutdown.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*BlobStore, *mongo.Client, error) {
	client, err := Connect(ctx, cfg.URI)
	if err != nil {
		return nil, nil, err
	}
	store, err := New(client.Database(cfg.Database), cfg.Bucket, logger)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	return store, client, nil
}
