package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/relgate/pkg/config"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// loadSettings is a variable to allow overriding the environment in tests
var loadSettings = config.LoadSettings

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "evaluate", "eval":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "diff":
		return runDiffCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%srelgate%s\n", ColorBold+ColorCyan, ColorReset)
	fmt.Fprintf(w, "%sEvidence in, verdict out.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  relgate <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "PROMOTION")
	printCommand(w, "evaluate", "Evaluate a candidate (--matrix, --candidate, --json)")
	printCommand(w, "validate", "Validate a gate matrix (--matrix)")

	printSection(w, "RECORDS")
	printCommand(w, "verify", "Verify a decision pack (--pack, --ledger)")
	printCommand(w, "diff", "Compare two decision packs (<prev> <next>)")
	printCommand(w, "history", "List recorded decisions (--candidate, --limit)")

	printSection(w, "UTILITIES")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")

	printSection(w, "EXIT CODES (evaluate)")
	fmt.Fprintln(w, "  0 PROMOTE   2 error   10 liveness   11 determinism   12 gate   13 score   14 gap")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// newLogger builds the process logger from settings. Logs go to stderr so
// stdout carries only command output.
func newLogger(w io.Writer, s config.Settings) *slog.Logger {
	level, _ := s.Level()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(s.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", "relgate")
}

// settingsOrExit loads settings and installs the default logger.
func settingsOrExit(stderr io.Writer) (config.Settings, bool) {
	s, err := loadSettings()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return config.Settings{}, false
	}
	slog.SetDefault(newLogger(stderr, s))
	return s, true
}
