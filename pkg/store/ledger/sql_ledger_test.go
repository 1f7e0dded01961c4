package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var decidedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *SQLLedger {
	t.Helper()
	l, err := Open(context.Background(), Settings{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func entry(run, candidate, verdict string, offset time.Duration) Entry {
	return Entry{
		RunID:             run,
		CandidateID:       candidate,
		Verdict:           verdict,
		ExitCode:          map[string]int{"PROMOTE": 0, "BLOCK": 13}[verdict],
		StandardScore:     98.75,
		ConservativeScore: 97.5,
		RecordDigest:      "sha256:" + run,
		DecidedAt:         decidedAt.Add(offset),
	}
}

func TestSQLLedger_AppendChainsEntries(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)

	first, err := l.Append(ctx, entry("run-1", "v1.4.0", "BLOCK", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Len(t, first.Hash, 64)

	second, err := l.Append(ctx, entry("run-2", "v1.4.0", "PROMOTE", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	require.NoError(t, l.Verify(ctx))

	got, err := l.Get(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, second.Hash, got.Hash)
	assert.True(t, second.DecidedAt.Equal(got.DecidedAt))
	assert.InDelta(t, 97.5, got.ConservativeScore, 1e-9)
}

func TestSQLLedger_RunIDIsUnique(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)
	_, err := l.Append(ctx, entry("run-1", "v1.4.0", "BLOCK", 0))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("run-1", "v1.4.0", "PROMOTE", time.Minute))
	require.Error(t, err)

	entries, err := l.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSQLLedger_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)
	for i, c := range []string{"v1.3.0", "v1.4.0", "v1.4.0"} {
		_, err := l.Append(ctx, entry("run-"+string(rune('a'+i)), c, "BLOCK", time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	all, err := l.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-c", all[0].RunID)

	only, err := l.List(ctx, "v1.4.0", 1)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "run-c", only[0].RunID)
}

func TestSQLLedger_Evidence(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)
	e := entry("run-1", "v1.4.0", "PROMOTE", 0)
	e.Evidence = []EvidenceRow{
		{Key: "tests.unit", Kind: "test_run", Source: "unit", Body: `{"passed":42}`},
		{Key: "liveness.api", Kind: "liveness", Source: "liveness", Body: `{"up":true}`},
	}
	_, err := l.Append(ctx, e)
	require.NoError(t, err)

	rows, err := l.Evidence(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "liveness.api", rows[0].Key)
	assert.Equal(t, `{"passed":42}`, rows[1].Body)
}

func TestSQLLedger_GetNotFound(t *testing.T) {
	_, err := openSQLite(t).Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLLedger_VerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)
	_, err := l.Append(ctx, entry("run-1", "v1.4.0", "BLOCK", 0))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("run-2", "v1.4.0", "BLOCK", time.Minute))
	require.NoError(t, err)

	_, err = l.db.ExecContext(ctx, `UPDATE decisions SET verdict = 'PROMOTE', exit_code = 0 WHERE run_id = 'run-1'`)
	require.NoError(t, err)

	err = l.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "entry 1")
}

func TestSQLLedger_PostgresDialect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(db, DialectPostgres)
	e := entry("run-9", "v2.0.0", "PROMOTE", 0)
	e.Evidence = []EvidenceRow{{Key: "hash.bin", Kind: "hash", Source: "bin", Body: "{}"}}

	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE decisions IN SHARE ROW EXCLUSIVE MODE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT seq, hash FROM decisions ORDER BY seq DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(int64(7), "abc"))
	mock.ExpectExec(`INSERT INTO decisions .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10, \$11\)`).
		WithArgs(int64(8), "run-9", "v2.0.0", "PROMOTE", 0, 98.75, 97.5, "sha256:run-9", sqlmock.AnyArg(), "abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO evidence .* VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		WithArgs("run-9", "hash.bin", "hash", "bin", "{}").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := l.Append(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Seq)
	assert.Equal(t, "abc", got.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_AppendRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(db, DialectPostgres)
	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err = l.Append(context.Background(), entry("run-1", "v1", "BLOCK", 0))
	require.ErrorContains(t, err, "lock ledger tail")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialect(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", DialectPostgres.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", DialectSQLite.rebind("a = ?"))
	_, err := parseDialect("mysql")
	require.Error(t, err)
	assert.False(t, Settings{Driver: "none"}.Enabled())
}
