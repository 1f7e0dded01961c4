package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/relgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/relgate/pkg/evidence"
)

// Pack file names, in index order.
const (
	IndexName    = "00_INDEX.json"
	DecisionName = "01_DECISION.json"
	EvidenceName = "02_EVIDENCE.json"

	PackSchema = "relgate.pack/v1"
)

// Index is the pack manifest.
type Index struct {
	Schema       string     `json:"schema"`
	RunID        string     `json:"run_id"`
	Verdict      string     `json:"verdict"`
	RecordDigest string     `json:"record_digest"`
	Files        []PackFile `json:"files"`
}

// PackFile describes one file listed by the index.
type PackFile struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Size   int    `json:"size"`
}

func (r Record) files() (map[string][]byte, error) {
	idx := Index{
		Schema:       PackSchema,
		RunID:        r.Document.RunID,
		Verdict:      string(r.Document.Verdict),
		RecordDigest: r.Digest,
		Files: []PackFile{
			{Name: DecisionName, Digest: r.Digest, Size: len(r.Canonical)},
			{Name: EvidenceName, Digest: r.EvidenceDigest, Size: len(r.Evidence)},
		},
	}
	index, err := canonicalize.JCS(idx)
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return map[string][]byte{
		IndexName:    index,
		DecisionName: r.Canonical,
		EvidenceName: r.Evidence,
	}, nil
}

// WritePack writes the record as <root>/<run id>/. Packs are never
// overwritten: writing the same record again is a no-op, and writing a
// different record under an existing run id fails.
func WritePack(root string, r Record) (string, error) {
	runID := r.Document.RunID
	if runID == "" || runID == "." || runID == ".." || filepath.Base(runID) != runID {
		return "", fmt.Errorf("write pack: run id %q is not a valid directory name", runID)
	}
	files, err := r.files()
	if err != nil {
		return "", fmt.Errorf("write pack: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", fmt.Errorf("write pack: %w", err)
	}
	dir := filepath.Join(root, runID)
	if _, err := os.Stat(dir); err == nil {
		return dir, samePack(dir, files)
	}

	// Stage the pack beside its destination and rename it into place.
	tmp, err := os.MkdirTemp(root, ".pack-"+runID+"-*")
	if err != nil {
		return "", fmt.Errorf("write pack: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	for _, name := range []string{IndexName, DecisionName, EvidenceName} {
		if err := os.WriteFile(filepath.Join(tmp, name), files[name], 0o600); err != nil {
			return "", fmt.Errorf("write pack %s: %w", name, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		// A concurrent writer may have won the rename.
		if _, statErr := os.Stat(dir); statErr == nil {
			return dir, samePack(dir, files)
		}
		return "", fmt.Errorf("write pack: %w", err)
	}
	return dir, nil
}

func samePack(dir string, files map[string][]byte) error {
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // fixed pack file names
		if err != nil {
			return fmt.Errorf("pack %s exists but is unreadable: %w", dir, err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("pack %s already exists with different %s", dir, name)
		}
	}
	return nil
}

// VerifiedPack is the content of a pack that passed VerifyPack.
type VerifiedPack struct {
	Index    Index
	Document Document
	Digest   string
	Evidence *evidence.Bundle
}

// VerifyPack checks every digest in a pack directory, the decision
// document's canonical form and schema, and that the evidence bundle is
// the one the decision names.
func VerifyPack(dir string) (VerifiedPack, error) {
	fail := func(format string, args ...any) (VerifiedPack, error) {
		return VerifiedPack{}, fmt.Errorf("%w: %s: %s", ErrIntegrity, dir, fmt.Sprintf(format, args...))
	}

	// 1. Index
	raw, err := os.ReadFile(filepath.Join(dir, IndexName)) //nolint:gosec // fixed pack file name
	if err != nil {
		return VerifiedPack{}, fmt.Errorf("read pack index: %w", err)
	}
	var idx Index
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&idx); err != nil {
		return fail("decode %s: %v", IndexName, err)
	}
	if idx.Schema != PackSchema {
		return fail("unsupported pack schema %q", idx.Schema)
	}

	// 2. Listed files
	contents := make(map[string][]byte, len(idx.Files))
	for _, f := range idx.Files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.Base(f.Name)))
		if errors.Is(err, os.ErrNotExist) {
			return fail("%s listed in index but missing", f.Name)
		}
		if err != nil {
			return VerifiedPack{}, fmt.Errorf("read %s: %w", f.Name, err)
		}
		if got := canonicalize.Digest(data); got != f.Digest {
			return fail("digest mismatch for %s: index %s, content %s", f.Name, f.Digest, got)
		}
		if len(data) != f.Size {
			return fail("size mismatch for %s: index %d, content %d", f.Name, f.Size, len(data))
		}
		contents[f.Name] = data
	}
	decisionBytes, ok := contents[DecisionName]
	if !ok {
		return fail("index does not list %s", DecisionName)
	}
	evidenceBytes, ok := contents[EvidenceName]
	if !ok {
		return fail("index does not list %s", EvidenceName)
	}

	// 3. Decision document
	doc, err := Decode(decisionBytes)
	if err != nil {
		return VerifiedPack{}, fmt.Errorf("%s: %w", dir, err)
	}
	digest := canonicalize.Digest(decisionBytes)
	if idx.RecordDigest != digest {
		return fail("index record digest %s does not match %s", idx.RecordDigest, digest)
	}
	if idx.RunID != doc.RunID || idx.Verdict != string(doc.Verdict) {
		return fail("index names run %s/%s, decision is %s/%s", idx.RunID, idx.Verdict, doc.RunID, doc.Verdict)
	}

	// 4. Evidence
	if got := canonicalize.Digest(evidenceBytes); got != doc.EvidenceDigest {
		return fail("evidence digest %s does not match decision's %s", got, doc.EvidenceDigest)
	}
	bundle, err := evidence.DecodeBundle(evidenceBytes)
	if err != nil {
		return fail("%v", err)
	}
	if bundle.RunID() != doc.RunID {
		return fail("evidence belongs to run %s, decision to %s", bundle.RunID(), doc.RunID)
	}

	return VerifiedPack{Index: idx, Document: doc, Digest: digest, Evidence: bundle}, nil
}
