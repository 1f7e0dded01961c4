package ledger

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no entry exists for a run id.
var ErrNotFound = errors.New("not found")

// ErrChainBroken is returned by Verify when an entry's hash or link does
// not match its predecessor.
var ErrChainBroken = errors.New("ledger chain broken")

// GenesisHash is the previous hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one recorded promotion decision.
type Entry struct {
	Seq               int64     `json:"seq"`
	RunID             string    `json:"run_id"`
	CandidateID       string    `json:"candidate_id"`
	Verdict           string    `json:"verdict"`
	ExitCode          int       `json:"exit_code"`
	StandardScore     float64   `json:"standard_score"`
	ConservativeScore float64   `json:"conservative_score"`
	RecordDigest      string    `json:"record_digest"`
	DecidedAt         time.Time `json:"decided_at"`

	// Integrity chain, filled by Append.
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	// Evidence is written with the entry. List and Get leave it empty;
	// use Evidence to read it back.
	Evidence []EvidenceRow `json:"-"`
}

// EvidenceRow is one evidence record captured by a run.
type EvidenceRow struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Body   string `json:"body"`
}
