// Package config loads relgate's two configuration inputs: runtime
// settings from the environment, and the gate matrix from a YAML document.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Mindburn-Labs/relgate/pkg/artifacts"
	"github.com/Mindburn-Labs/relgate/pkg/observability"
	"github.com/Mindburn-Labs/relgate/pkg/store/ledger"
)

// Settings are process-level knobs that do not belong in the matrix.
type Settings struct {
	LogLevel     string        `env:"RELGATE_LOG_LEVEL" envDefault:"info"`
	LogFormat    string        `env:"RELGATE_LOG_FORMAT" envDefault:"text"`
	ProbeTimeout time.Duration `env:"RELGATE_PROBE_TIMEOUT" envDefault:"2m"`
	PackDir      string        `env:"RELGATE_PACK_DIR" envDefault:".relgate/packs"`

	Ledger    ledger.Settings      `envPrefix:"RELGATE_LEDGER_"`
	Artifacts artifacts.Settings   `envPrefix:"RELGATE_ARTIFACT_"`
	Telemetry observability.Config `envPrefix:"RELGATE_OTEL_"`
}

// LoadSettings parses Settings from the process environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, s.validate()
}

// LoadSettingsFrom parses Settings from an explicit environment.
func LoadSettingsFrom(environ map[string]string) (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Environment: environ}); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, s.validate()
}

func (s Settings) validate() error {
	var problems []string
	if _, err := s.Level(); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("RELGATE_LOG_FORMAT %q must be text or json", s.LogFormat))
	}
	if s.ProbeTimeout <= 0 {
		problems = append(problems, "RELGATE_PROBE_TIMEOUT must be positive")
	}
	if len(problems) > 0 {
		return &ConfigurationError{Source: "environment", Problems: problems}
	}
	return nil
}

// Level parses LogLevel.
func (s Settings) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("RELGATE_LOG_LEVEL %q: %w", s.LogLevel, err)
	}
	return l, nil
}
