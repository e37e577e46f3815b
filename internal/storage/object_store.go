// Package storage wraps the MinIO client behind the upload pipeline's
// blob surfaces. Paths handed to callers are "bucket/key" strings so
// metadata rows and cleanup agree on one representation.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mida-hub/imgstream-sub001/internal/config"
	"github.com/mida-hub/imgstream-sub001/internal/models"
)

type ObjectStore struct {
	client *minio.Client
	cfg    config.StorageConfig
}

func NewObjectStore(cfg config.StorageConfig) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
	}, nil
}

func (s *ObjectStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.cfg.BucketOriginals, s.cfg.BucketThumbnails} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadOriginal stores the untouched payload under the user's prefix
// and returns the blob path.
func (s *ObjectStore) UploadOriginal(ctx context.Context, userID string, data []byte, filename string) (string, error) {
	key := path.Join(userID, filename)
	return s.put(ctx, s.cfg.BucketOriginals, key, data, models.MimeTypeFor(filename))
}

// UploadThumbnail stores the derived JPEG thumbnail for filename.
func (s *ObjectStore) UploadThumbnail(ctx context.Context, userID string, data []byte, filename string) (string, error) {
	key := path.Join(userID, filename+".jpg")
	return s.put(ctx, s.cfg.BucketThumbnails, key, data, "image/jpeg")
}

func (s *ObjectStore) put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return bucket + "/" + key, nil
}

func (s *ObjectStore) Download(ctx context.Context, blobPath string) ([]byte, error) {
	bucket, key, err := splitPath(blobPath)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", blobPath, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", blobPath, err)
	}
	return data, nil
}

func (s *ObjectStore) SignedURL(ctx context.Context, blobPath string, ttl time.Duration) (string, error) {
	bucket, key, err := splitPath(blobPath)
	if err != nil {
		return "", err
	}

	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", blobPath, err)
	}
	return u.String(), nil
}

func (s *ObjectStore) Remove(ctx context.Context, blobPath string) error {
	bucket, key, err := splitPath(blobPath)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", blobPath, err)
	}
	return nil
}

// ListPaths streams every blob path in both buckets to fn. Used by the
// orphan cleanup worker.
func (s *ObjectStore) ListPaths(ctx context.Context, fn func(blobPath string) error) error {
	for _, bucket := range []string{s.cfg.BucketOriginals, s.cfg.BucketThumbnails} {
		objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true})
		for obj := range objects {
			if obj.Err != nil {
				return fmt.Errorf("list %s: %w", bucket, obj.Err)
			}
			if err := fn(bucket + "/" + obj.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitPath(blobPath string) (bucket string, key string, err error) {
	bucket, key, found := strings.Cut(blobPath, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid blob path %q", blobPath)
	}
	return bucket, key, nil
}
