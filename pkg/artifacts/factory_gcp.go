//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, s Settings) (Store, error) {
	return NewGCSStore(ctx, s)
}
