//go:build !unix

package liveness

import (
	"context"
	"fmt"
	"runtime"
)

// OSProcessTable is unsupported off unix; every process reports DOWN.
type OSProcessTable struct {
	ProcRoot string
}

// Alive implements ProcessTable.
func (OSProcessTable) Alive(_ context.Context, rec Record) error {
	return fmt.Errorf("process table query for pid %d unsupported on %s", rec.PID, runtime.GOOS)
}
