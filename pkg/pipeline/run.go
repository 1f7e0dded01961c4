package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/relgate/pkg/candidate"
	"github.com/Mindburn-Labs/relgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/relgate/pkg/collector"
	"github.com/Mindburn-Labs/relgate/pkg/config"
	"github.com/Mindburn-Labs/relgate/pkg/decision"
	"github.com/Mindburn-Labs/relgate/pkg/determinism"
	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/gate"
	"github.com/Mindburn-Labs/relgate/pkg/liveness"
	"github.com/Mindburn-Labs/relgate/pkg/observability"
	"github.com/Mindburn-Labs/relgate/pkg/record"
	"github.com/Mindburn-Labs/relgate/pkg/score"
	"github.com/Mindburn-Labs/relgate/pkg/store/ledger"
)

// Outcome is what a run produced.
type Outcome struct {
	Decision decision.Decision
	Record   record.Record

	// PackDir is empty when no pack directory is configured.
	PackDir string
	// Entry is nil when no ledger is attached.
	Entry *ledger.Entry
}

// Run evaluates c.
//
// An error with a zero Outcome means the run was aborted before a
// decision. An error alongside a decided Outcome means a sink failed after
// the decision was made; the decision itself stands.
func (p *Pipeline) Run(ctx context.Context, c candidate.Candidate) (out Outcome, err error) {
	if c.IsZero() {
		return Outcome{}, &config.ConfigurationError{Source: "candidate", Problems: []string{"candidate id is required"}}
	}
	runID := p.newID()
	logger := p.logger.With("run_id", runID, "candidate", c.ID())
	ctx, done := p.obs.TrackStage(ctx, "run", observability.RunAttributes(runID, c.ID())...)
	defer func() { done(err) }()

	logger.InfoContext(ctx, "evaluation started", "matrix", p.matrix.Digest, "targets", len(p.matrix.Targets), "gates", len(p.matrix.Gates))

	// 1. Liveness
	report := p.checkLiveness(ctx, logger)

	// 2. Evidence
	bundle, err := p.collect(ctx, runID, report)
	if err != nil {
		return Outcome{}, err
	}

	// 3. Determinism
	bundle, err = p.verifyDeterminism(ctx, bundle)
	if err != nil {
		return Outcome{}, err
	}
	p.recordMissing(ctx, bundle)

	// 4. Gates, against the sealed bundle only
	results := p.evaluateGates(ctx, bundle)

	// 5. Scores
	scores := score.Compute(results, p.matrix.Scoring)

	// 6. Decision
	d := decision.Decide(decision.Inputs{
		RunID:           runID,
		Candidate:       c,
		RequiredTargets: p.matrix.RequiredTargets(),
		Liveness:        report,
		Determinism:     decision.DeterminismVerdicts(bundle, checkNames(p.checks)),
		Gates:           results,
		Scores:          scores,
		Thresholds:      p.matrix.Thresholds,
		DecidedAt:       p.clock(),
	})
	p.obs.RecordDecision(ctx, string(d.Verdict), d.ExitCode())
	logger.InfoContext(ctx, "decision reached",
		"verdict", d.Verdict,
		"exit_code", d.ExitCode(),
		"standard", scores.Standard.Score,
		"conservative", scores.Conservative.Score,
		"violations", len(d.Violations),
	)
	for _, v := range d.Violations {
		logger.WarnContext(ctx, "promotion condition violated", "code", v.Code, "subject", v.Subject, "message", v.Message)
	}

	// 7. Record
	rec, err := record.Build(d, p.matrix.Digest, bundle)
	if err != nil {
		return Outcome{Decision: d}, fmt.Errorf("run %s: %w", runID, err)
	}
	out = Outcome{Decision: d, Record: rec}

	// 8. Sinks
	err = p.persist(ctx, logger, &out, bundle)
	return out, err
}

func (p *Pipeline) checkLiveness(ctx context.Context, logger *slog.Logger) liveness.Report {
	ctx, done := p.obs.TrackStage(ctx, "liveness")
	report := p.liveness.CheckAll(ctx, p.matrix.Targets)
	for _, r := range report.RequiredDown() {
		logger.WarnContext(ctx, "required target down", "target", r.Target, "layer", r.FailedLayer.String(), "reason", r.Reason())
	}
	done(nil)
	return report
}

func (p *Pipeline) collect(ctx context.Context, runID string, report liveness.Report) (*evidence.Bundle, error) {
	ctx, done := p.obs.TrackStage(ctx, "collect")
	probes := append([]collector.Probe{collector.LivenessProbe{Report: report, Clock: p.clock}}, p.probes...)
	bundle, err := p.collector.Collect(ctx, runID, probes)
	if err != nil {
		err = &config.ConfigurationError{Source: "probes", Problems: []string{err.Error()}}
	}
	done(err)
	return bundle, err
}

func (p *Pipeline) verifyDeterminism(ctx context.Context, b *evidence.Bundle) (*evidence.Bundle, error) {
	ctx, done := p.obs.TrackStage(ctx, "determinism")
	recs := p.verifier.Records(ctx, p.checks, p.clock())
	for _, r := range recs {
		if d, ok := r.Fact.(evidence.Determinism); ok && d.Verdict == evidence.NonDeterministic {
			p.obs.RecordNonDeterministic(ctx, d.Check)
		}
	}
	out, err := b.With(p.clock(), recs...)
	if err != nil {
		err = &config.ConfigurationError{Source: "determinism", Problems: []string{err.Error()}}
	}
	done(err)
	return out, err
}

func (p *Pipeline) evaluateGates(ctx context.Context, b *evidence.Bundle) []gate.Result {
	ctx, done := p.obs.TrackStage(ctx, "gates")
	results := gate.Evaluate(p.matrix.Gates, b)
	for _, r := range results {
		p.obs.RecordGate(ctx, string(r.Class), string(r.Status))
	}
	done(nil)
	return results
}

func (p *Pipeline) recordMissing(ctx context.Context, b *evidence.Bundle) {
	bySource := make(map[string]int)
	for _, r := range b.Records() {
		if evidence.IsMissing(r.Fact) {
			bySource[r.Source]++
		}
	}
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		p.obs.RecordMissing(ctx, s, bySource[s])
	}
}

// persist hands the record to every configured sink. A failing sink does
// not stop the others.
func (p *Pipeline) persist(ctx context.Context, logger *slog.Logger, out *Outcome, b *evidence.Bundle) (err error) {
	ctx, done := p.obs.TrackStage(ctx, "persist")
	defer func() { done(err) }()

	var errs []error
	if p.packDir != "" {
		dir, err := record.WritePack(p.packDir, out.Record)
		if err != nil {
			errs = append(errs, err)
		} else {
			out.PackDir = dir
			logger.InfoContext(ctx, "decision pack written", "dir", dir, "digest", out.Record.Digest)
		}
	}
	if p.artifacts != nil {
		if err := record.Publish(ctx, p.artifacts, out.Record); err != nil {
			errs = append(errs, err)
		} else {
			logger.InfoContext(ctx, "decision published", "digest", out.Record.Digest)
		}
	}
	if p.ledger != nil {
		entry, err := p.appendLedger(ctx, out, b)
		if err != nil {
			errs = append(errs, err)
		} else {
			out.Entry = &entry
			logger.InfoContext(ctx, "decision appended to ledger", "seq", entry.Seq, "hash", entry.Hash)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) appendLedger(ctx context.Context, out *Outcome, b *evidence.Bundle) (ledger.Entry, error) {
	d := out.Decision
	rows := make([]ledger.EvidenceRow, 0, b.Len())
	for _, r := range b.Records() {
		body, err := canonicalize.JCS(r.Fact)
		if err != nil {
			return ledger.Entry{}, fmt.Errorf("encode evidence %s: %w", r.Key, err)
		}
		rows = append(rows, ledger.EvidenceRow{Key: string(r.Key), Kind: string(r.Fact.Kind()), Source: r.Source, Body: string(body)})
	}
	return p.ledger.Append(ctx, ledger.Entry{
		RunID:             d.RunID,
		CandidateID:       d.Candidate.ID(),
		Verdict:           string(d.Verdict),
		ExitCode:          d.ExitCode(),
		StandardScore:     d.Scores.Standard.Score,
		ConservativeScore: d.Scores.Conservative.Score,
		RecordDigest:      out.Record.Digest,
		DecidedAt:         d.DecidedAt,
		Evidence:          rows,
	})
}

func checkNames(checks []determinism.Check) []string {
	out := make([]string, 0, len(checks))
	for _, c := range checks {
		out = append(out, c.Name())
	}
	return out
}
