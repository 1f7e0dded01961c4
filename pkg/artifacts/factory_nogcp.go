//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

func newGCSStore(_ context.Context, _ Settings) (Store, error) {
	return nil, errors.New("artifact backend gcs is not compiled in (rebuild with -tags gcp)")
}
