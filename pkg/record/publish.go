package record

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/relgate/pkg/artifacts"
)

// Publish stores the evidence bundle and the decision document in an
// artifact store. Both are content addressed, so republishing is a no-op.
func Publish(ctx context.Context, store artifacts.Store, r Record) error {
	for _, obj := range []struct {
		name   string
		data   []byte
		digest string
	}{
		{"evidence", r.Evidence, r.EvidenceDigest},
		{"decision", r.Canonical, r.Digest},
	} {
		got, err := store.Put(ctx, obj.data)
		if err != nil {
			return fmt.Errorf("publish %s %s: %w", obj.name, obj.digest, err)
		}
		if got != obj.digest {
			return fmt.Errorf("publish %s: store returned digest %s, want %s", obj.name, got, obj.digest)
		}
	}
	return nil
}

// Fetch loads a published decision document by digest.
func Fetch(ctx context.Context, store artifacts.Store, digest string) (Document, error) {
	data, err := store.Get(ctx, digest)
	if err != nil {
		return Document{}, fmt.Errorf("fetch decision %s: %w", digest, err)
	}
	return Decode(data)
}
