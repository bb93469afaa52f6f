// Package s3 provides an object store backed by S3-compatible storage.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Config selects the bucket and, for non-AWS endpoints, how to reach it.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// objectAPI is the subset of *s3.Client used by BlobStore.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// BlobStore stores file payloads as S3 objects keyed by id.
type BlobStore struct {
	client objectAPI
	bucket string
	prefix string
	ids    crawler.IDGenerator
	logger *zap.Logger
}

var _ crawler.ObjectStore = (*BlobStore)(nil)

// NewClient builds an S3 client. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	accessKey := strings.TrimSpace(cfg.AccessKeyID)
	secretKey := strings.TrimSpace(cfg.SecretAccessKey)
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// New creates an S3-backed blob store.
func New(client objectAPI, cfg Config, ids crawler.IDGenerator, logger *zap.Logger) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
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
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: cfg.Prefix,
		ids:    ids,
		logger: logger,
	}, nil
}

// SaveFile uploads data under a fresh id.
func (s *BlobStore) SaveFile(ctx context.Context, data []byte, meta crawler.FileMetadata) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate file id: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      metadataMap(meta),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object %s: %w", id, err)
	}
	return id, nil
}

// GetFile downloads the object stored under id.
func (s *BlobStore) GetFile(ctx context.Context, fileID string) ([]byte, bool) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fileID)),
	})
	if err != nil {
		s.logger.Warn("get s3 object failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	defer func() {
		if closeErr := out.Body.Close(); closeErr != nil {
			s.logger.Debug("close s3 body", zap.Error(closeErr))
		}
	}()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		s.logger.Warn("read s3 object failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (s *BlobStore) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

func metadataMap(meta crawler.FileMetadata) map[string]string {
	m := map[string]string{
		"original-url": meta.OriginalURL,
		"product-name": meta.ProductName,
		"filename":     meta.Filename,
		"size":         strconv.FormatInt(meta.Size, 10),
	}
	if meta.SHA256 != "" {
		m["sha256"] = meta.SHA256
	}
	return m
}
