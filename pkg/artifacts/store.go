// Package artifacts provides content-addressed, append-only storage for
// published decision records.
//
// Objects are addressed by "sha256:<hex>" digests of their bytes. Stores
// never overwrite or delete: storing the same bytes twice returns the same
// digest and leaves the existing object in place.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/relgate/pkg/canonicalize"
)

// ErrNotFound is returned by Get for a digest the store does not hold.
var ErrNotFound = errors.New("artifact not found")

// Store is a content-addressed blob store.
type Store interface {
	// Put stores data and returns its digest.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes stored under digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether digest is stored.
	Exists(ctx context.Context, digest string) (bool, error)
}

// objectName validates a digest and returns the hex part used to name objects.
func objectName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, canonicalize.DigestPrefix)
	if !ok || len(raw) != 64 {
		return "", fmt.Errorf("invalid digest %q: want %s<64 hex chars>", digest, canonicalize.DigestPrefix)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", digest, err)
	}
	return raw, nil
}

// FileStore keeps objects as files under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest := canonicalize.Digest(data)
	target := s.path(strings.TrimPrefix(digest, canonicalize.DigestPrefix))
	if _, err := os.Stat(target); err == nil {
		return digest, nil
	}

	// Write to a temp file in the same directory, then rename into place.
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	return digest, nil
}

// Get returns the object bytes after checking them against digest.
func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	name, err := objectName(digest)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(name)) //nolint:gosec // name is validated hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", digest, err)
	}
	if got := canonicalize.Digest(data); got != digest {
		return nil, fmt.Errorf("object %s is corrupt: content hashes to %s", digest, got)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	name, err := objectName(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", digest, err)
	}
}
