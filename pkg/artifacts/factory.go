package artifacts

import (
	"context"
	"fmt"
)

// Backend names an artifact store implementation.
type Backend string

const (
	BackendNone Backend = "none"
	BackendFS   Backend = "fs"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// Settings select and configure the artifact store. They are read from the
// environment by the config package with the RELGATE_ARTIFACT_ prefix.
type Settings struct {
	Backend  Backend `env:"BACKEND" envDefault:"none"`
	Dir      string  `env:"DIR" envDefault:".relgate/artifacts"`
	Bucket   string  `env:"BUCKET"`
	Region   string  `env:"REGION"`
	Endpoint string  `env:"ENDPOINT"` // S3-compatible endpoint such as MinIO
	Prefix   string  `env:"PREFIX" envDefault:"relgate/decisions/"`
}

// NewStore builds the configured store. BackendNone yields a nil Store.
func NewStore(ctx context.Context, s Settings) (Store, error) {
	switch s.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendFS:
		return NewFileStore(s.Dir)
	case BackendS3:
		if s.Bucket == "" {
			return nil, fmt.Errorf("artifact backend s3: bucket is required")
		}
		return NewS3Store(ctx, s)
	case BackendGCS:
		if s.Bucket == "" {
			return nil, fmt.Errorf("artifact backend gcs: bucket is required")
		}
		return newGCSStore(ctx, s)
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q (use none, fs, s3 or gcs)", s.Backend)
	}
}
