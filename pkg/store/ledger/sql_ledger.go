package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Settings select the ledger database. They are read from the environment
// by the config package with the RELGATE_LEDGER_ prefix.
type Settings struct {
	Driver string `env:"DRIVER" envDefault:"none"`
	DSN    string `env:"DSN" envDefault:".relgate/ledger.db"`
}

// Enabled reports whether a ledger is configured.
func (s Settings) Enabled() bool { return s.Driver != "" && s.Driver != "none" }

// SQLLedger implements Ledger on database/sql for SQLite and Postgres.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLLedger wraps an open database. Call Init before first use.
func NewSQLLedger(db *sql.DB, d Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: d}
}

// Open connects using s and creates the schema.
func Open(ctx context.Context, s Settings) (*SQLLedger, error) {
	d, err := parseDialect(s.Driver)
	if err != nil {
		return nil, err
	}
	driver := "sqlite"
	if d == DialectPostgres {
		driver = "postgres"
	} else if s.DSN != ":memory:" && !strings.HasPrefix(s.DSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(s.DSN), 0o750); err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
	}
	db, err := sql.Open(driver, s.DSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if d == DialectSQLite {
		// One writer keeps the chain tail consistent.
		db.SetMaxOpenConns(1)
	}
	l := NewSQLLedger(db, d)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	seq BIGINT PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE,
	candidate_id TEXT NOT NULL,
	verdict TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	standard_score DOUBLE PRECISION NOT NULL,
	conservative_score DOUBLE PRECISION NOT NULL,
	record_digest TEXT NOT NULL,
	decided_at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS decisions_candidate ON decisions (candidate_id, seq);
CREATE TABLE IF NOT EXISTS evidence (
	run_id TEXT NOT NULL,
	key TEXT NOT NULL,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	body TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
`

func (l *SQLLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func (l *SQLLedger) Close() error { return l.db.Close() }

func (l *SQLLedger) Append(ctx context.Context, e Entry) (Entry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Serialize appenders and read the tail.
	if stmt := l.dialect.lockTail(); stmt != "" {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Entry{}, fmt.Errorf("lock ledger tail: %w", err)
		}
	}
	var tailSeq int64
	tailHash := GenesisHash
	err = tx.QueryRowContext(ctx, "SELECT seq, hash FROM decisions ORDER BY seq DESC LIMIT 1").Scan(&tailSeq, &tailHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("read ledger tail: %w", err)
	}

	// 2. Chain the entry.
	e.Seq = tailSeq + 1
	e.PrevHash = tailHash
	e.DecidedAt = e.DecidedAt.UTC()
	e.Hash = chainHash(e)

	// 3. Persist entry and evidence.
	_, err = tx.ExecContext(ctx, l.dialect.rebind(`
		INSERT INTO decisions (seq, run_id, candidate_id, verdict, exit_code, standard_score, conservative_score, record_digest, decided_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.Seq, e.RunID, e.CandidateID, e.Verdict, e.ExitCode, e.StandardScore, e.ConservativeScore,
		e.RecordDigest, e.DecidedAt.Format(time.RFC3339Nano), e.PrevHash, e.Hash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("append decision %s: %w", e.RunID, err)
	}
	insertEvidence := l.dialect.rebind(`INSERT INTO evidence (run_id, key, kind, source, body) VALUES (?, ?, ?, ?, ?)`)
	for _, row := range e.Evidence {
		if _, err := tx.ExecContext(ctx, insertEvidence, e.RunID, row.Key, row.Kind, row.Source, row.Body); err != nil {
			return Entry{}, fmt.Errorf("append evidence %s/%s: %w", e.RunID, row.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit decision %s: %w", e.RunID, err)
	}
	return e, nil
}

const selectEntry = `SELECT seq, run_id, candidate_id, verdict, exit_code, standard_score, conservative_score, record_digest, decided_at, prev_hash, hash FROM decisions`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var decidedAt string
	if err := s.Scan(&e.Seq, &e.RunID, &e.CandidateID, &e.Verdict, &e.ExitCode, &e.StandardScore,
		&e.ConservativeScore, &e.RecordDigest, &decidedAt, &e.PrevHash, &e.Hash); err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, decidedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: corrupt decided_at %q: %w", e.Seq, decidedAt, err)
	}
	e.DecidedAt = t
	return e, nil
}

func (l *SQLLedger) Get(ctx context.Context, runID string) (Entry, error) {
	row := l.db.QueryRowContext(ctx, l.dialect.rebind(selectEntry+" WHERE run_id = ?"), runID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return e, err
}

func (l *SQLLedger) List(ctx context.Context, candidateID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectEntry + " ORDER BY seq DESC LIMIT ?"
	args := []any{limit}
	if candidateID != "" {
		query = selectEntry + " WHERE candidate_id = ? ORDER BY seq DESC LIMIT ?"
		args = []any{candidateID, limit}
	}
	return l.query(ctx, query, args...)
}

func (l *SQLLedger) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (l *SQLLedger) Evidence(ctx context.Context, runID string) ([]EvidenceRow, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(`SELECT key, kind, source, body FROM evidence WHERE run_id = ? ORDER BY key`), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]EvidenceRow, 0)
	for rows.Next() {
		var r EvidenceRow
		if err := rows.Scan(&r.Key, &r.Kind, &r.Source, &r.Body); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (l *SQLLedger) Verify(ctx context.Context) error {
	entries, err := l.query(ctx, selectEntry+" ORDER BY seq ASC")
	if err != nil {
		return err
	}
	prev := GenesisHash
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, i+1, e.Seq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, predecessor is %s", ErrChainBroken, e.Seq, e.PrevHash, prev)
		}
		if want := chainHash(e); e.Hash != want {
			return fmt.Errorf("%w: entry %d hash %s does not match content (%s)", ErrChainBroken, e.Seq, e.Hash, want)
		}
		prev = e.Hash
	}
	return nil
}
