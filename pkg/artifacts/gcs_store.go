//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/relgate/pkg/canonicalize"
)

// GCSStore keeps objects in a Cloud Storage bucket under a key prefix.
// Credentials come from Application Default Credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, s Settings) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: s.Bucket, prefix: s.Prefix}, nil
}

func (s *GCSStore) object(name string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + name + ".json")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := canonicalize.Digest(data)
	ok, err := s.Exists(ctx, digest)
	if err != nil {
		return "", err
	}
	if ok {
		return digest, nil
	}

	// DoesNotExist makes a concurrent publisher of the same bytes fail the
	// precondition instead of rewriting the object.
	w := s.object(strings.TrimPrefix(digest, canonicalize.DigestPrefix)).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", digest, err)
	}
	if err := w.Close(); err != nil {
		if ok, existsErr := s.Exists(ctx, digest); existsErr == nil && ok {
			return digest, nil
		}
		return "", fmt.Errorf("gcs commit %s: %w", digest, err)
	}
	return digest, nil
}

func (s *GCSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	name, err := objectName(digest)
	if err != nil {
		return nil, err
	}
	r, err := s.object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", digest, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, digest string) (bool, error) {
	name, err := objectName(digest)
	if err != nil {
		return false, err
	}
	_, err = s.object(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("gcs attrs %s: %w", digest, err)
	}
}

// Close releases the underlying client.
func (s *GCSStore) Close() error { return s.client.Close() }
