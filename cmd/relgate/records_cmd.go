package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/relgate/pkg/config"
	"github.com/Mindburn-Labs/relgate/pkg/record"
	"github.com/Mindburn-Labs/relgate/pkg/store/ledger"
)

// runValidateCmd implements `relgate validate`. It exits 0 when the matrix
// is valid and 2 otherwise, listing every problem found.
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var matrixPath string
	cmd.StringVar(&matrixPath, "matrix", "relgate.yaml", "Path to the gate matrix")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	m, err := config.LoadMatrix(matrixPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "%s: valid\n", matrixPath)
	_, _ = fmt.Fprintf(stdout, "  digest   %s\n", m.Digest)
	_, _ = fmt.Fprintf(stdout, "  targets  %d (%d required)\n", len(m.Targets), len(m.RequiredTargets()))
	_, _ = fmt.Fprintf(stdout, "  probes   %d\n", len(m.Probes))
	_, _ = fmt.Fprintf(stdout, "  checks   %d\n", len(m.Determinism.Checks))
	_, _ = fmt.Fprintf(stdout, "  gates    %d\n", len(m.Gates))
	return 0
}

// runVerifyCmd implements `relgate verify`.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		packDir    string
		withLedger bool
		jsonOutput bool
	)
	cmd.StringVar(&packDir, "pack", "", "Path to a decision pack directory")
	cmd.BoolVar(&withLedger, "ledger", false, "Also verify the ledger hash chain")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verified document as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if packDir == "" && !withLedger {
		_, _ = fmt.Fprintln(stderr, "Error: --pack or --ledger is required")
		return 2
	}

	if packDir != "" {
		pack, err := record.VerifyPack(packDir)
		if errors.Is(err, record.ErrIntegrity) {
			_, _ = fmt.Fprintf(stdout, "%sDecision pack verification FAILED%s\n", ColorRed, ColorReset)
			_, _ = fmt.Fprintf(stdout, "  %v\n", err)
			return 1
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if jsonOutput {
			if err := writeJSON(stdout, pack.Document); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		} else {
			_, _ = fmt.Fprintf(stdout, "%sDecision pack verification PASSED%s\n", ColorGreen, ColorReset)
			_, _ = fmt.Fprintf(stdout, "Pack:     %s\n", packDir)
			_, _ = fmt.Fprintf(stdout, "Run:      %s\n", pack.Document.RunID)
			_, _ = fmt.Fprintf(stdout, "Verdict:  %s (exit %d)\n", pack.Document.Verdict, pack.Document.ExitCode)
			_, _ = fmt.Fprintf(stdout, "Record:   %s\n", pack.Digest)
			_, _ = fmt.Fprintf(stdout, "Evidence: %d facts\n", pack.Evidence.Len())
		}
	}

	if withLedger {
		l, ok := openLedger(stderr)
		if !ok {
			return 2
		}
		defer func() { _ = l.Close() }()
		if err := l.Verify(context.Background()); err != nil {
			if errors.Is(err, ledger.ErrChainBroken) {
				_, _ = fmt.Fprintf(stdout, "%sLedger verification FAILED%s\n  %v\n", ColorRed, ColorReset, err)
				return 1
			}
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "%sLedger chain verified%s\n", ColorGreen, ColorReset)
	}
	return 0
}

// runDiffCmd implements `relgate diff <prev-pack> <next-pack>`. Both packs
// are verified before they are compared.
func runDiffCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("diff", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output changes as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: relgate diff [--json] <prev-pack> <next-pack>")
		return 2
	}

	var docs [2]record.Document
	for i, dir := range cmd.Args() {
		pack, err := record.VerifyPack(dir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		docs[i] = pack.Document
	}

	changes := record.Diff(docs[0], docs[1])
	if jsonOutput {
		if err := writeJSON(stdout, changes); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}
	_, _ = fmt.Fprint(stdout, changes.String())
	return 0
}

// runHistoryCmd implements `relgate history`, listing ledger entries
// newest first.
func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		candidateID string
		limit       int
		jsonOutput  bool
	)
	cmd.StringVar(&candidateID, "candidate", "", "Only list decisions for this candidate")
	cmd.IntVar(&limit, "limit", 20, "Maximum number of entries")
	cmd.BoolVar(&jsonOutput, "json", false, "Output entries as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	l, ok := openLedger(stderr)
	if !ok {
		return 2
	}
	defer func() { _ = l.Close() }()

	entries, err := l.List(context.Background(), candidateID, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if jsonOutput {
		if entries == nil {
			entries = []ledger.Entry{}
		}
		if err := writeJSON(stdout, entries); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(stdout, "No decisions recorded.")
		return 0
	}
	for _, e := range entries {
		_, _ = fmt.Fprintf(stdout, "%4d  %s  %-8s exit %-2d  %-20s %s  std %.2f cons %.2f\n",
			e.Seq, e.DecidedAt.Format(time.RFC3339), e.Verdict, e.ExitCode, e.CandidateID, e.RunID,
			e.StandardScore, e.ConservativeScore)
	}
	return 0
}

func openLedger(stderr io.Writer) (*ledger.SQLLedger, bool) {
	settings, ok := settingsOrExit(stderr)
	if !ok {
		return nil, false
	}
	if !settings.Ledger.Enabled() {
		_, _ = fmt.Fprintln(stderr, "Error: no ledger configured (set RELGATE_LEDGER_DRIVER)")
		return nil, false
	}
	l, err := ledger.Open(context.Background(), settings.Ledger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: ledger: %v\n", err)
		return nil, false
	}
	return l, true
}
