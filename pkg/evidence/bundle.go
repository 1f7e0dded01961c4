package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateKey is returned when a key is recorded twice in one run.
	ErrDuplicateKey = errors.New("evidence key already recorded in this run")
	// ErrSealed is returned when recording into a sealed builder.
	ErrSealed = errors.New("evidence builder is sealed")
)

// Record is one fact bound to its key, source probe and collection time.
type Record struct {
	Key         Key
	Fact        Fact
	Source      string
	CollectedAt time.Time
}

type recordJSON struct {
	Key         Key             `json:"key"`
	Kind        Kind            `json:"kind"`
	Source      string          `json:"source,omitempty"`
	CollectedAt time.Time       `json:"collected_at"`
	Fact        json.RawMessage `json:"fact"`
}

// MarshalJSON encodes the record with an explicit kind tag.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Fact == nil {
		return nil, fmt.Errorf("record %s has no fact", r.Key)
	}
	fact, err := json.Marshal(r.Fact)
	if err != nil {
		return nil, fmt.Errorf("marshal fact %s: %w", r.Key, err)
	}
	return json.Marshal(recordJSON{
		Key:         r.Key,
		Kind:        r.Fact.Kind(),
		Source:      r.Source,
		CollectedAt: r.CollectedAt.UTC(),
		Fact:        fact,
	})
}

// UnmarshalJSON decodes a kind-tagged record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fact, err := decodeFact(raw.Kind, raw.Fact)
	if err != nil {
		return fmt.Errorf("decode fact %s: %w", raw.Key, err)
	}
	*r = Record{Key: raw.Key, Fact: fact, Source: raw.Source, CollectedAt: raw.CollectedAt}
	return nil
}

func decodeFact(kind Kind, data json.RawMessage) (Fact, error) {
	switch kind {
	case KindTestRun:
		var f TestRun
		err := json.Unmarshal(data, &f)
		return f, err
	case KindLiveness:
		var f Liveness
		err := json.Unmarshal(data, &f)
		return f, err
	case KindHash:
		var f Hash
		err := json.Unmarshal(data, &f)
		return f, err
	case KindDeterminism:
		var f Determinism
		err := json.Unmarshal(data, &f)
		return f, err
	case KindChaosDrill:
		var f ChaosDrill
		err := json.Unmarshal(data, &f)
		return f, err
	case KindMetric:
		var f Metric
		err := json.Unmarshal(data, &f)
		return f, err
	case KindMissing:
		var f Missing
		err := json.Unmarshal(data, &f)
		return f, err
	default:
		return nil, fmt.Errorf("unknown fact kind %q", kind)
	}
}

// Builder accumulates records for one run. It is safe for concurrent use.
type Builder struct {
	mu      sync.Mutex
	runID   string
	clock   func() time.Time
	records map[Key]Record
	sealed  bool
}

// NewBuilder starts an empty run.
func NewBuilder(runID string) *Builder {
	return &Builder{
		runID:   runID,
		clock:   time.Now,
		records: make(map[Key]Record),
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Add records a fact. Each key may be recorded once per run.
func (b *Builder) Add(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return ErrSealed
	}
	if rec.Key == "" {
		return fmt.Errorf("record without key from %q", rec.Source)
	}
	if rec.Fact == nil {
		return fmt.Errorf("record %s without fact", rec.Key)
	}
	if _, exists := b.records[rec.Key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.Key)
	}
	if rec.CollectedAt.IsZero() {
		rec.CollectedAt = b.clock().UTC()
	}
	b.records[rec.Key] = rec
	return nil
}

// AddMissing records key as MISSING with a reason.
func (b *Builder) AddMissing(key Key, source, reason string) error {
	return b.Add(Record{Key: key, Fact: Missing{Reason: reason}, Source: source})
}

// Has reports whether key has been recorded.
func (b *Builder) Has(key Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.records[key]
	return ok
}

// Seal freezes the builder and returns the immutable bundle.
func (b *Builder) Seal() *Bundle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealed = true
	return newBundle(b.runID, b.clock().UTC(), b.records)
}

// Bundle is the immutable, closed set of evidence for one run.
type Bundle struct {
	runID    string
	sealedAt time.Time
	records  map[Key]Record
	keys     []Key
}

func newBundle(runID string, sealedAt time.Time, src map[Key]Record) *Bundle {
	records := make(map[Key]Record, len(src))
	keys := make([]Key, 0, len(src))
	for k, v := range src {
		records[k] = v
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return &Bundle{runID: runID, sealedAt: sealedAt, records: records, keys: keys}
}

// RunID returns the run the bundle belongs to.
func (b *Bundle) RunID() string { return b.runID }

// SealedAt returns when collection closed.
func (b *Bundle) SealedAt() time.Time { return b.sealedAt }

// Len returns the number of keys in the bundle.
func (b *Bundle) Len() int { return len(b.keys) }

// Get returns the record for key.
func (b *Bundle) Get(key Key) (Record, bool) {
	r, ok := b.records[key]
	return r, ok
}

// Keys returns the sorted evidence keys.
func (b *Bundle) Keys() []Key {
	return append([]Key(nil), b.keys...)
}

// Records returns all records sorted by key.
func (b *Bundle) Records() []Record {
	out := make([]Record, 0, len(b.keys))
	for _, k := range b.keys {
		out = append(out, b.records[k])
	}
	return out
}

// With returns a new bundle holding b's records plus recs. b is unchanged.
// Keys already present in b cannot be superseded within the same run.
func (b *Bundle) With(sealedAt time.Time, recs ...Record) (*Bundle, error) {
	merged := make(map[Key]Record, len(b.records)+len(recs))
	for k, v := range b.records {
		merged[k] = v
	}
	for _, r := range recs {
		if r.Key == "" || r.Fact == nil {
			return nil, fmt.Errorf("incomplete record %q", r.Key)
		}
		if _, exists := merged[r.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, r.Key)
		}
		if r.CollectedAt.IsZero() {
			r.CollectedAt = sealedAt.UTC()
		}
		merged[r.Key] = r
	}
	return newBundle(b.runID, sealedAt.UTC(), merged), nil
}

type bundleJSON struct {
	RunID    string    `json:"run_id"`
	SealedAt time.Time `json:"sealed_at"`
	Records  []Record  `json:"records"`
}

// MarshalJSON encodes the bundle with records in key order.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(bundleJSON{RunID: b.runID, SealedAt: b.sealedAt, Records: b.Records()})
}

// DecodeBundle parses a bundle previously encoded with MarshalJSON.
func DecodeBundle(data []byte) (*Bundle, error) {
	var raw bundleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	records := make(map[Key]Record, len(raw.Records))
	for _, r := range raw.Records {
		if _, exists := records[r.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, r.Key)
		}
		records[r.Key] = r
	}
	return newBundle(raw.RunID, raw.SealedAt, records), nil
}
