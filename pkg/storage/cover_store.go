// Package storage serves generated book cover images from S3-compatible
// object storage. Result pages link covers through short-lived presigned
// GET URLs so the bucket stays private.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// CoverStore stores and serves cover images keyed by book ID.
type CoverStore interface {
	PutCover(ctx context.Context, bookID string, r io.Reader, size int64, contentType string) error
	// CoverURL returns a presigned GET URL, or "" when no cover exists.
	CoverURL(ctx context.Context, bookID string, expiry time.Duration) (string, error)
	DeleteCover(ctx context.Context, bookID string) error
}

// MinioCoverStore implements CoverStore on MinIO/S3 compatible storage.
type MinioCoverStore struct {
	client *minio.Client
	bucket string
}

// NewMinioCoverStore connects to MinIO and ensures the cover bucket exists.
func NewMinioCoverStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioCoverStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioCoverStore{client: client, bucket: bucket}, nil
}

// PutCover uploads a cover image.
func (s *MinioCoverStore) PutCover(ctx context.Context, bookID string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, coverKey(bookID), r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put cover: %w", err)
	}
	return nil
}

// CoverURL generates a presigned GET URL for the book's cover. A missing
// object is not an error: books without generated covers render without one.
func (s *MinioCoverStore) CoverURL(ctx context.Context, bookID string, expiry time.Duration) (string, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, coverKey(bookID), minio.StatObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return "", nil
		}
		return "", fmt.Errorf("stat cover: %w", err)
	}
	url, err := s.client.PresignedGetObject(ctx, s.bucket, coverKey(bookID), expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign cover: %w", err)
	}
	return url.String(), nil
}

// DeleteCover removes the book's cover image.
func (s *MinioCoverStore) DeleteCover(ctx context.Context, bookID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, coverKey(bookID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete cover: %w", err)
	}
	return nil
}

func coverKey(bookID string) string {
	return "covers/" + bookID + ".png"
}

// NoopCoverStore is used when object storage is not configured; every book
// renders without a cover URL.
type NoopCoverStore struct{}

func (NoopCoverStore) PutCover(context.Context, string, io.Reader, int64, string) error {
	return nil
}

func (NoopCoverStore) CoverURL(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (NoopCoverStore) DeleteCover(context.Context, string) error { return nil }
