package config

import (
	"fmt"
	"strings"
)

// ConfigurationError lists every problem found in one configuration
// source. It is the only error that aborts a promotion run.
type ConfigurationError struct {
	Source   string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Problems[0])
	}
	return fmt.Sprintf("invalid configuration %s (%d problems):\n  - %s",
		e.Source, len(e.Problems), strings.Join(e.Problems, "\n  - "))
}
