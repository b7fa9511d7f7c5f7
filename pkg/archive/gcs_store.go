//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/avrtpro/avrt-firewall/pkg/canonicalize"
)

// GCSStore keeps objects in a Google Cloud Storage bucket using
// application default credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	address := canonicalize.PrefixedHash(data)
	obj := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, strings.TrimPrefix(address, addressPrefix)))

	// DoesNotExist makes concurrent writers of the same object race safely.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		if exists, herr := s.Exists(ctx, address); herr == nil && exists {
			return address, nil
		}
		return "", fmt.Errorf("archive: gcs close: %w", err)
	}
	return address, nil
}

func (s *GCSStore) Get(ctx context.Context, address string) ([]byte, error) {
	hex, err := digest(address)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, hex)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return nil, fmt.Errorf("archive: gcs get %s: %w", address, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, address string) (bool, error) {
	hex, err := digest(address)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(objectKey(s.prefix, hex)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("archive: gcs attrs %s: %w", address, err)
	}
}

func (s *GCSStore) Close() error { return s.client.Close() }
