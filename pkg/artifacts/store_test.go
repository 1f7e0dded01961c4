package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	return s
}

func TestFileStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	digest, err := s.Put(ctx, []byte(`{"verdict":"PROMOTE"}`))
	require.NoError(t, err)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, digest)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":"PROMOTE"}`, string(got))

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_PutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	first, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	second, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	require.Equal(t, first, second)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may survive a put")
}

func TestFileStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	digest := "sha256:0000000000000000000000000000000000000000000000000000000000000000"

	_, err := s.Get(ctx, digest)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_RejectsMalformedDigest(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	for _, d := range []string{"", "invalid", "sha256:abc", "md5:d41d8cd98f00b204e9800998ecf8427e", "sha256:../../../../etc/passwd0000000000000000000000000000000000000"} {
		_, err := s.Get(ctx, d)
		assert.Error(t, err, d)
		assert.NotErrorIs(t, err, ErrNotFound, d)
	}
}

func TestFileStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	digest, err := s.Put(ctx, []byte("original"))
	require.NoError(t, err)

	name, err := objectName(digest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path(name), []byte("tampered"), 0o600))

	_, err = s.Get(ctx, digest)
	require.ErrorContains(t, err, "corrupt")
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, Settings{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewStore(ctx, Settings{Backend: BackendFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(ctx, Settings{Backend: BackendS3})
	require.ErrorContains(t, err, "bucket is required")

	_, err = NewStore(ctx, Settings{Backend: BackendGCS})
	require.ErrorContains(t, err, "bucket is required")

	_, err = NewStore(ctx, Settings{Backend: "azure"})
	require.ErrorContains(t, err, "unsupported artifact backend")
}
