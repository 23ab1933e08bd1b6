package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/domain"
)

// MinioConfig holds the object store connection parameters.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioBlobStore persists finalized signed documents in an S3-compatible
// object store.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinioBlobStore connects to the object store and ensures the bucket
// exists.
func NewMinioBlobStore(ctx context.Context, cfg MinioConfig) (*MinioBlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "signed-documents"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", bucket, err)
		}
		log.Info().Str("bucket", bucket).Msg("Created object store bucket")
	}

	return &MinioBlobStore{client: client, bucket: bucket}, nil
}

// Store uploads the artifact and returns its storage ID.
func (s *MinioBlobStore) Store(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	objectName := fmt.Sprintf("%s/%s.pdf", time.Now().UTC().Format("2006/01/02"), uuid.NewString())
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/pdf",
		UserMetadata: metadata,
	})
	if err != nil {
		log.Error().Err(err).Str("object", objectName).Msg("Error uploading artifact to object store")
		return "", err
	}
	return objectName, nil
}

// Retrieve downloads a previously stored artifact.
func (s *MinioBlobStore) Retrieve(ctx context.Context, storageID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, storageID, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, domain.ErrNotFound
		}
		log.Error().Err(err).Str("object", storageID).Msg("Error downloading artifact from object store")
		return nil, err
	}
	return data, nil
}

var _ domain.BlobStore = (*MinioBlobStore)(nil)
