// Package blob stores picture planet content in an S3-compatible object
// store. Only metadata travels inside envelopes; the bytes themselves live
// here, keyed by the planet id.
package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// api narrows the minio client surface so tests can substitute a fake.
type api interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

type Store struct {
	api    api
	bucket string
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useTLS bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return NewWithAPI(ctx, client, bucket)
}

// NewWithAPI injects a client surface; tests use this with a fake.
func NewWithAPI(ctx context.Context, a api, bucket string) (*Store, error) {
	s := &Store{api: a, bucket: bucket}
	exists, err := a.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := a.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return s, nil
}

// PutPlanet uploads picture content under the planet id.
func (s *Store) PutPlanet(ctx context.Context, planetID string, reader io.Reader, size int64) error {
	if _, err := s.api.PutObject(ctx, s.bucket, planetID, reader, size, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("failed to upload planet content: %w", err)
	}
	return nil
}

// GetPlanet streams picture content for the planet id.
func (s *Store) GetPlanet(ctx context.Context, planetID string) (io.ReadCloser, error) {
	obj, err := s.api.GetObject(ctx, s.bucket, planetID, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get planet content: %w", err)
	}
	return obj, nil
}

// DeletePlanet removes picture content. Missing keys are not an error; a
// soft-deleted planet may never have had content uploaded.
func (s *Store) DeletePlanet(ctx context.Context, planetID string) error {
	if err := s.api.RemoveObject(ctx, s.bucket, planetID, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete planet content: %w", err)
	}
	return nil
}

// HasPlanet reports whether content exists for the planet id.
func (s *Store) HasPlanet(ctx context.Context, planetID string) (bool, error) {
	_, err := s.api.StatObject(ctx, s.bucket, planetID, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat planet content: %w", err)
	}
	return true, nil
}
