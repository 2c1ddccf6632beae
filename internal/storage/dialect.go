package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported values for Config.Driver.
const (
	DriverSQLite   = "sqlite"   // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "postgres" // github.com/jackc/pgx/v5/stdlib
)

type dialect struct {
	name       string
	driverName string
	// returning selects "INSERT ... RETURNING id" over LastInsertId.
	returning bool
	// numbered selects $1..$n placeholders instead of ?.
	numbered bool
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return dialect{name: "sqlite", driverName: "sqlite"}, nil
	case DriverSQLite3:
		return dialect{name: "sqlite", driverName: "sqlite3"}, nil
	case DriverPostgres, "pgx", "postgresql":
		return dialect{name: "postgres", driverName: "pgx", returning: true, numbered: true}, nil
	default:
		return dialect{}, fmt.Errorf("storage: unsupported driver %q", driver)
	}
}

// rebind rewrites ? placeholders to the dialect's form, skipping quoted text.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// SQLiteDSN builds a file DSN with WAL, foreign keys and a busy timeout in
// the parameter syntax of the chosen SQLite driver.
func SQLiteDSN(driver, path string) string {
	if strings.EqualFold(strings.TrimSpace(driver), DriverSQLite3) {
		return "file:" + path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	}
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validIdent(s string) bool {
	return identPattern.MatchString(s)
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
