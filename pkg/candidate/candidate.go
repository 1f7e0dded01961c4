// Package candidate identifies the release candidate under evaluation.
package candidate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Candidate is an immutable release candidate reference.
//
// The identifier is a version or tag string. When it parses as a semantic
// version the parsed form is kept for ordering; otherwise the tag is opaque.
type Candidate struct {
	id        string
	createdAt time.Time
	version   *semver.Version
}

// New creates a candidate. The identifier must be non-empty.
func New(id string, createdAt time.Time) (Candidate, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Candidate{}, fmt.Errorf("candidate identifier is empty")
	}
	if createdAt.IsZero() {
		return Candidate{}, fmt.Errorf("candidate %q has no creation time", id)
	}
	c := Candidate{id: id, createdAt: createdAt.UTC()}
	if v, err := semver.NewVersion(id); err == nil {
		c.version = v
	}
	return c, nil
}

// ID returns the version or tag string.
func (c Candidate) ID() string { return c.id }

// CreatedAt returns when the candidate was cut.
func (c Candidate) CreatedAt() time.Time { return c.createdAt }

// Version returns the parsed semantic version, if the identifier is one.
func (c Candidate) Version() (*semver.Version, bool) {
	return c.version, c.version != nil
}

// IsZero reports whether c is the zero candidate.
func (c Candidate) IsZero() bool { return c.id == "" }

// Compare orders candidates by semantic version when both identifiers are
// versions, by identifier otherwise.
func (c Candidate) Compare(o Candidate) int {
	if c.version != nil && o.version != nil {
		return c.version.Compare(o.version)
	}
	return strings.Compare(c.id, o.id)
}

func (c Candidate) String() string { return c.id }

type candidateJSON struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Version   string    `json:"version,omitempty"`
}

// MarshalJSON encodes the candidate for decision records.
func (c Candidate) MarshalJSON() ([]byte, error) {
	out := candidateJSON{ID: c.id, CreatedAt: c.createdAt}
	if c.version != nil {
		out.Version = c.version.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a candidate written by MarshalJSON.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var raw candidateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := New(raw.ID, raw.CreatedAt)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}
