//go:build unix

package liveness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// OSProcessTable queries the operating system for the recorded process.
// ProcRoot defaults to /proc and is only consulted where it exists.
type OSProcessTable struct {
	ProcRoot string
}

// Alive implements ProcessTable.
func (t OSProcessTable) Alive(_ context.Context, rec Record) error {
	if rec.PID <= 0 {
		return fmt.Errorf("invalid pid %d", rec.PID)
	}

	// 1. Signal 0 probes existence without delivering anything
	if err := syscall.Kill(rec.PID, syscall.Signal(0)); err != nil {
		if !errors.Is(err, syscall.EPERM) {
			return fmt.Errorf("pid %d not in process table: %w", rec.PID, err)
		}
	}

	root := t.ProcRoot
	if root == "" {
		root = "/proc"
	}
	procDir := filepath.Join(root, strconv.Itoa(rec.PID))
	if _, err := os.Stat(procDir); err != nil {
		// No procfs on this platform: signal 0 is the strongest check available.
		if root == "/proc" && errors.Is(err, os.ErrNotExist) && !procfsMounted(root) {
			return nil
		}
		return fmt.Errorf("pid %d: %w", rec.PID, err)
	}

	// 2. Zombies hold a pid but do not run
	if stat, err := os.ReadFile(filepath.Join(procDir, "stat")); err == nil {
		if state, ok := procState(string(stat)); ok && (state == "Z" || state == "X") {
			return fmt.Errorf("pid %d is defunct (state %s)", rec.PID, state)
		}
	}

	// 3. Command must match when the record names one
	if rec.Command != "" {
		comm, err := os.ReadFile(filepath.Join(procDir, "comm"))
		if err != nil {
			return fmt.Errorf("read comm for pid %d: %w", rec.PID, err)
		}
		got := strings.TrimSpace(string(comm))
		if got != commName(rec.Command) {
			return fmt.Errorf("pid %d runs %q, record names %q", rec.PID, got, rec.Command)
		}
	}
	return nil
}

func procfsMounted(root string) bool {
	_, err := os.Stat(filepath.Join(root, "self"))
	return err == nil
}

// procState extracts the state letter from /proc/<pid>/stat. The command
// field is parenthesized and may itself contain spaces or parentheses.
func procState(stat string) (string, bool) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return "", false
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// commName mirrors the kernel's truncation of comm to 15 bytes.
func commName(cmd string) string {
	base := filepath.Base(strings.TrimSpace(cmd))
	if len(base) > 15 {
		return base[:15]
	}
	return base
}
