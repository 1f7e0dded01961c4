package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/relgate/pkg/artifacts"
	"github.com/Mindburn-Labs/relgate/pkg/candidate"
	"github.com/Mindburn-Labs/relgate/pkg/config"
	"github.com/Mindburn-Labs/relgate/pkg/decision"
	"github.com/Mindburn-Labs/relgate/pkg/observability"
	"github.com/Mindburn-Labs/relgate/pkg/pipeline"
	"github.com/Mindburn-Labs/relgate/pkg/store/ledger"
)

// runEvaluateCmd implements `relgate evaluate`.
//
// Exit codes:
//
//	0  = PROMOTE
//	2  = configuration or runtime error
//	10 = BLOCK, liveness
//	11 = BLOCK, determinism
//	12 = BLOCK, gate
//	13 = BLOCK, score
//	14 = BLOCK, gap
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		matrixPath  string
		candidateID string
		createdAt   string
		jsonOutput  bool
	)

	cmd.StringVar(&matrixPath, "matrix", "relgate.yaml", "Path to the gate matrix")
	cmd.StringVar(&candidateID, "candidate", "", "Candidate build identifier (REQUIRED)")
	cmd.StringVar(&createdAt, "created", "", "Candidate build time, RFC 3339 (default: now)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the decision record as JSON")

	if err := cmd.Parse(args); err != nil {
		return decision.ExitError
	}
	if candidateID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --candidate is required")
		return decision.ExitError
	}
	built := time.Now().UTC()
	if createdAt != "" {
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --created: %v\n", err)
			return decision.ExitError
		}
		built = t
	}
	c, err := candidate.New(candidateID, built)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return decision.ExitError
	}

	settings, ok := settingsOrExit(stderr)
	if !ok {
		return decision.ExitError
	}
	m, err := config.LoadMatrix(matrixPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return decision.ExitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Telemetry
	obs, err := observability.New(ctx, settings.Telemetry)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return decision.ExitError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	opts := []pipeline.Option{pipeline.WithObservability(obs)}

	// 2. Sinks
	if settings.Ledger.Enabled() {
		l, err := ledger.Open(ctx, settings.Ledger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: ledger: %v\n", err)
			return decision.ExitError
		}
		defer func() { _ = l.Close() }()
		opts = append(opts, pipeline.WithLedger(l))
	}
	store, err := artifacts.NewStore(ctx, settings.Artifacts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: artifacts: %v\n", err)
		return decision.ExitError
	}
	if store != nil {
		if closer, ok := store.(io.Closer); ok {
			defer func() { _ = closer.Close() }()
		}
		opts = append(opts, pipeline.WithArtifactStore(store))
	}

	// 3. Run
	p, err := pipeline.Build(m, settings, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return decision.ExitError
	}
	defer func() { _ = p.Close() }()

	out, runErr := p.Run(ctx, c)
	if out.Decision.RunID == "" {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return decision.ExitError
	}

	if jsonOutput && len(out.Record.Canonical) > 0 {
		_, _ = fmt.Fprintln(stdout, string(out.Record.Canonical))
	} else {
		printDecision(stdout, out)
	}

	if runErr != nil {
		var cerr *config.ConfigurationError
		if errors.As(runErr, &cerr) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: decision reached but not fully recorded: %v\n", runErr)
		}
		return decision.ExitError
	}
	return out.Decision.ExitCode()
}

func printDecision(w io.Writer, out pipeline.Outcome) {
	d := out.Decision
	if d.Promoted() {
		_, _ = fmt.Fprintf(w, "%sPROMOTE%s %s (run %s)\n", ColorBold+ColorGreen, ColorReset, d.Candidate, d.RunID)
	} else {
		_, _ = fmt.Fprintf(w, "%sBLOCK%s %s (run %s, exit %d)\n", ColorBold+ColorRed, ColorReset, d.Candidate, d.RunID, d.ExitCode())
	}
	_, _ = fmt.Fprintf(w, "Scores: standard %.2f, conservative %.2f, gap %.2f\n",
		d.Scores.Standard.Score, d.Scores.Conservative.Score, d.Scores.Gap)
	for _, r := range d.Liveness {
		_, _ = fmt.Fprintf(w, "  liveness %-16s %s\n", r.Target, r.Reason())
	}
	for _, v := range d.Determinism {
		_, _ = fmt.Fprintf(w, "  check    %-16s %s\n", v.Check, v.Verdict)
	}
	for _, g := range d.Gates {
		_, _ = fmt.Fprintf(w, "  gate     %-16s %-7s class %s  %s\n", g.GateID, g.Status, g.Class, g.Reason)
	}
	if len(d.Violations) > 0 {
		_, _ = fmt.Fprintln(w, "Violations:")
		for _, v := range d.Violations {
			_, _ = fmt.Fprintf(w, "  (%s) %s: %s\n", v.Condition, v.Code, v.Message)
		}
	}
	if out.Record.Digest != "" {
		_, _ = fmt.Fprintf(w, "Record: %s\n", out.Record.Digest)
	}
	if out.PackDir != "" {
		_, _ = fmt.Fprintf(w, "Pack:   %s\n", out.PackDir)
	}
}

// writeJSON prints v indented.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
