// ============================================================================
// Object Storage (MinIO / S3)
// ============================================================================
//
// Package: internal/storage
// File: minio.go
// Purpose: Corpus container access: signed file URLs and blob reads
//
// Containers map 1:1 to buckets. File URLs are presigned GET URLs that
// expire after Config.URLExpiry, at most MaxURLExpiry.
//
// ============================================================================

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tevoinea/onefuzz/pkg/types"
)

var (
	// ErrBlobNotFound is returned when the container or the file does not exist.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrInvalidExpiry is returned for a URL expiry S3 signing cannot honour.
	ErrInvalidExpiry = errors.New("invalid url expiry")
)

// MaxURLExpiry is the longest lifetime of a SigV4 presigned URL.
const MaxURLExpiry = 7 * 24 * time.Hour

// Config for the object store connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	// Region must be set for URL signing to work without a round trip.
	Region    string
	UseSSL    bool
	URLExpiry time.Duration
}

// Store reads and signs files in corpus containers.
type Store struct {
	client *minio.Client
	expiry time.Duration
}

// New connects to the object store. No request is made until first use.
func New(config Config) (*Store, error) {
	expiry := config.URLExpiry
	if expiry <= 0 {
		expiry = MaxURLExpiry
	}
	if expiry > MaxURLExpiry {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrInvalidExpiry, expiry, MaxURLExpiry)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &Store{client: client, expiry: expiry}, nil
}

// FileURL returns a presigned URL for one file.
func (s *Store) FileURL(ctx context.Context, container types.Container, filename string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, container.String(), filename, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", container, filename, err)
	}
	return u.String(), nil
}

// ReadBlob downloads one file.
func (s *Store) ReadBlob(ctx context.Context, container types.Container, filename string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, container.String(), filename, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateError(err)
	}
	return data, nil
}

func translateError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrBlobNotFound, err)
	default:
		return err
	}
}
