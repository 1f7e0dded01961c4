package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported drivers.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockTail returns the statement that serializes appenders, if the dialect
// needs one. SQLite write transactions are already exclusive.
func (d Dialect) lockTail() string {
	if d == DialectPostgres {
		return "LOCK TABLE decisions IN SHARE ROW EXCLUSIVE MODE"
	}
	return ""
}

func parseDialect(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "pgx", "postgresql":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported ledger driver %q (use sqlite or postgres)", driver)
}
