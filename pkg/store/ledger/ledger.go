// Package ledger is the append-only history of promotion decisions.
//
// Every entry is hash-chained to its predecessor so that rewriting or
// removing a past decision is detectable with Verify.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Ledger records decisions. Entries are never updated or deleted.
type Ledger interface {
	// Append assigns Seq, PrevHash and Hash and persists the entry and its
	// evidence atomically.
	Append(ctx context.Context, e Entry) (Entry, error)

	// Get retrieves the entry for a run.
	Get(ctx context.Context, runID string) (Entry, error)

	// List returns entries newest first. An empty candidateID lists all.
	List(ctx context.Context, candidateID string, limit int) ([]Entry, error)

	// Evidence returns the evidence rows recorded for a run, ordered by key.
	Evidence(ctx context.Context, runID string) ([]EvidenceRow, error)

	// Verify walks the chain from genesis.
	Verify(ctx context.Context) error
}

// chainHash binds an entry to its predecessor.
// Hash = SHA256(prev \n seq \n run \n candidate \n verdict \n exit \n digest \n decided_at)
func chainHash(e Entry) string {
	payload := strings.Join([]string{
		e.PrevHash,
		strconv.FormatInt(e.Seq, 10),
		e.RunID,
		e.CandidateID,
		e.Verdict,
		strconv.Itoa(e.ExitCode),
		e.RecordDigest,
		e.DecidedAt.UTC().Format(time.RFC3339Nano),
	}, "\n")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
