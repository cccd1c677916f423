// Package gcs provides a BlobStore and a PUT presigner backed by Google Cloud
// Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// DefaultPresignExpiry bounds how long a presigned PUT URL stays valid.
const DefaultPresignExpiry = 15 * time.Minute

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path.
	Prefix string
	// PresignExpiry defaults to DefaultPresignExpiry.
	PresignExpiry time.Duration
}

type urlSigner interface {
	SignedURL(object string, opts *storage.SignedURLOptions) (string, error)
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	signer urlSigner
	bucket string
	prefix string
	expiry time.Duration
	now    func() time.Time
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	return &BlobStore{
		client: client,
		signer: client.Bucket(cfg.Bucket),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		expiry: expiry,
		now:    time.Now,
	}, nil
}

func (s *BlobStore) objectPath(p string) string {
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + strings.TrimPrefix(p, "/")
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	object := s.objectPath(p)
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// PresignPut returns a V4 signed URL that accepts a single PUT of key with
// the given content type. Relay agents upload page HTML through it.
func (s *BlobStore) PresignPut(_ context.Context, key, contentType string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key is required")
	}
	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		ContentType: contentType,
		Expires:     s.now().Add(s.expiry),
	}
	url, err := s.signer.SignedURL(s.objectPath(key), opts)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return url, nil
}
