// Package minio stores indexed asset records as JSON objects in an
// S3-compatible bucket.
package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/phrazzld/archivist/internal/asset"
)

// Config holds the bucket connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectAPI is the subset of *minio.Client the store uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// AssetStore implements asset.Indexer.
type AssetStore struct {
	client objectAPI
	bucket string
	logger *slog.Logger
}

// NewAssetStore connects to the object store and makes sure the bucket
// exists.
func NewAssetStore(ctx context.Context, cfg Config, logger *slog.Logger) (*AssetStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	s := newAssetStore(client, cfg.Bucket, logger)
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newAssetStore(client objectAPI, bucket string, logger *slog.Logger) *AssetStore {
	return &AssetStore{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "minio_asset_store", "bucket", bucket),
	}
}

func (s *AssetStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("created asset bucket")
	return nil
}

// Index implements asset.Indexer. Each record becomes one object; an
// existing object is counted as an update.
func (s *AssetStore) Index(ctx context.Context, jobID uuid.UUID, target string, records []json.RawMessage) (asset.Result, error) {
	var res asset.Result
	for _, rec := range records {
		key, err := asset.RecordKey(rec)
		if err != nil {
			res.Errors++
			continue
		}
		name := asset.ObjectName(target, key)

		existed, err := s.exists(ctx, name)
		if err != nil {
			return res, err
		}

		_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(rec), int64(len(rec)), minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: map[string]string{"job-id": jobID.String(), "asset-key": key},
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.logger.Warn("failed to store asset record", "object", name, "error", err)
			res.Errors++
			continue
		}

		if existed {
			res.Updated++
		} else {
			res.Created++
		}
	}
	return res, nil
}

func (s *AssetStore) exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", name, err)
}
