// Package record turns a promotion decision into its durable form: a
// versioned relgate.decision/v1 document serialized with RFC 8785, so
// emitting the same decision twice yields byte-identical output and a
// stable content hash.
package record

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/relgate/pkg/candidate"
	"github.com/Mindburn-Labs/relgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/relgate/pkg/decision"
	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/gate"
	"github.com/Mindburn-Labs/relgate/pkg/liveness"
	"github.com/Mindburn-Labs/relgate/pkg/score"
)

// SchemaVersion tags every decision document.
const SchemaVersion = "relgate.decision/v1"

// ErrIntegrity marks a record or pack whose bytes do not match their
// declared digests or schema.
var ErrIntegrity = errors.New("record integrity check failed")

// Document is the decision record body.
type Document struct {
	Schema         string                        `json:"schema"`
	RunID          string                        `json:"run_id"`
	Candidate      candidate.Candidate           `json:"candidate"`
	Verdict        decision.Verdict              `json:"verdict"`
	ExitCode       int                           `json:"exit_code"`
	Families       []decision.Family             `json:"families"`
	Violations     []decision.Violation          `json:"violations"`
	Liveness       []liveness.Result             `json:"liveness"`
	Determinism    []decision.DeterminismVerdict `json:"determinism"`
	Gates          []gate.Result                 `json:"gates"`
	Scores         score.Result                  `json:"scores"`
	Thresholds     decision.Thresholds           `json:"thresholds"`
	MatrixDigest   string                        `json:"matrix_digest"`
	EvidenceDigest string                        `json:"evidence_digest"`
	DecidedAt      time.Time                     `json:"decided_at"`
}

// Record is a document with its canonical bytes and those of the
// evidence bundle it was decided on.
type Record struct {
	Document       Document
	Canonical      []byte
	Digest         string
	Evidence       []byte
	EvidenceDigest string
}

// Build assembles the record for d. matrixDigest identifies the gate
// matrix the run used.
func Build(d decision.Decision, matrixDigest string, bundle *evidence.Bundle) (Record, error) {
	if bundle == nil {
		return Record{}, errors.New("build record: nil evidence bundle")
	}
	rawEvidence, err := json.Marshal(bundle)
	if err != nil {
		return Record{}, fmt.Errorf("build record: marshal evidence: %w", err)
	}
	ev, err := canonicalize.Transform(rawEvidence)
	if err != nil {
		return Record{}, fmt.Errorf("build record: %w", err)
	}

	doc := Document{
		Schema:         SchemaVersion,
		RunID:          d.RunID,
		Candidate:      d.Candidate,
		Verdict:        d.Verdict,
		ExitCode:       d.ExitCode(),
		Families:       nonNil(d.Families()),
		Violations:     nonNil(d.Violations),
		Liveness:       nonNil(d.Liveness),
		Determinism:    nonNil(d.Determinism),
		Gates:          nonNil(d.Gates),
		Scores:         d.Scores,
		Thresholds:     d.Thresholds,
		MatrixDigest:   matrixDigest,
		EvidenceDigest: canonicalize.Digest(ev),
		DecidedAt:      d.DecidedAt.UTC(),
	}
	canonical, err := canonicalize.JCS(doc)
	if err != nil {
		return Record{}, fmt.Errorf("build record: %w", err)
	}
	if err := validate(canonical); err != nil {
		return Record{}, fmt.Errorf("build record: %w", err)
	}
	return Record{
		Document:       doc,
		Canonical:      canonical,
		Digest:         canonicalize.Digest(canonical),
		Evidence:       ev,
		EvidenceDigest: doc.EvidenceDigest,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Decode parses and validates canonical decision bytes.
func Decode(data []byte) (Document, error) {
	canonical, err := canonicalize.Transform(data)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if !bytes.Equal(canonical, data) {
		return Document{}, fmt.Errorf("%w: decision bytes are not in canonical form", ErrIntegrity)
	}
	if err := validate(data); err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return doc, nil
}

//go:embed decision.schema.json
var decisionSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func validate(data []byte) error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://relgate.schemas.local/decision.v1.schema.json"
		if err := c.AddResource(url, bytes.NewReader(decisionSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("decision schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(url)
	})
	if schemaErr != nil {
		return schemaErr
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", ErrIntegrity, err)
	}
	return nil
}
