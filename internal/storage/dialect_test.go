package storage

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRebind(t *testing.T) {
	pg, _ := dialectFor(DriverPostgres)
	lite, _ := dialectFor(DriverSQLite)

	q := "SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)"
	if got := lite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)"
	if got := pg.rebind(q); got != want {
		t.Fatalf("postgres rebind = %q, want %q", got, want)
	}
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		driver     string
		driverName string
		returning  bool
	}{
		{"", "sqlite", false},
		{"sqlite", "sqlite", false},
		{"sqlite3", "sqlite3", false},
		{"postgres", "pgx", true},
		{"PGX", "pgx", true},
	}
	for _, tt := range tests {
		d, err := dialectFor(tt.driver)
		if err != nil {
			t.Fatalf("dialectFor(%q): %v", tt.driver, err)
		}
		if d.driverName != tt.driverName || d.returning != tt.returning {
			t.Fatalf("dialectFor(%q) = %+v", tt.driver, d)
		}
	}
	if _, err := dialectFor("oracle"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestBuildInsert(t *testing.T) {
	lite, _ := dialectFor(DriverSQLite)
	q, args, err := buildInsert(lite, TableDetections, map[string]any{
		"type":    "PLACEMENT",
		"push_id": 7,
		"post_id": "42",
	})
	if err != nil {
		t.Fatalf("buildInsert: %v", err)
	}
	if q != "INSERT INTO detections (post_id, push_id, type) VALUES (?, ?, ?)" {
		t.Fatalf("unexpected query: %q", q)
	}
	if !reflect.DeepEqual(args, []any{"42", 7, "PLACEMENT"}) {
		t.Fatalf("unexpected args: %v", args)
	}

	pg, _ := dialectFor(DriverPostgres)
	q, _, err = buildInsert(pg, TableInsightHistory, map[string]any{"views": 1, "shares": 2})
	if err != nil {
		t.Fatalf("buildInsert postgres: %v", err)
	}
	if q != "INSERT INTO insight_history (shares, views) VALUES ($1, $2) RETURNING id" {
		t.Fatalf("unexpected postgres query: %q", q)
	}
}

func TestBuildInsertRejects(t *testing.T) {
	lite, _ := dialectFor(DriverSQLite)
	tests := []struct {
		name   string
		table  string
		record map[string]any
		want   error
	}{
		{"table", "campaigns", map[string]any{"name": "x"}, ErrTableNotAllowed},
		{"empty", TableDetections, map[string]any{}, ErrEmptyRecord},
		{"column", TableDetections, map[string]any{"type; DROP TABLE x": 1}, ErrInvalidColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildInsert(lite, tt.table, tt.record)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBuildUpdate(t *testing.T) {
	pg, _ := dialectFor(DriverPostgres)
	q, args, err := buildUpdate(pg, TablePlacements,
		map[string]any{"status": "DETECTED"},
		map[string]any{"id": 3, "status": "APPROVED"})
	if err != nil {
		t.Fatalf("buildUpdate: %v", err)
	}
	if q != "UPDATE push_list SET status = $1 WHERE id = $2 AND status = $3" {
		t.Fatalf("unexpected query: %q", q)
	}
	if !reflect.DeepEqual(args, []any{"DETECTED", 3, "APPROVED"}) {
		t.Fatalf("unexpected args: %v", args)
	}

	if _, _, err := buildUpdate(pg, TablePlacements, map[string]any{"status": "x"}, nil); !errors.Is(err, ErrEmptyCondition) {
		t.Fatalf("expected ErrEmptyCondition, got %v", err)
	}
	if _, _, err := buildUpdate(pg, "media", map[string]any{"handle": "x"}, map[string]any{"id": 1}); !errors.Is(err, ErrTableNotAllowed) {
		t.Fatalf("expected ErrTableNotAllowed, got %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	if dsn := SQLiteDSN(DriverSQLite, "/tmp/a.db"); !strings.Contains(dsn, "_pragma=busy_timeout(5000)") {
		t.Fatalf("modernc dsn missing pragma: %s", dsn)
	}
	if dsn := SQLiteDSN(DriverSQLite3, "/tmp/a.db"); !strings.Contains(dsn, "_busy_timeout=5000") {
		t.Fatalf("mattn dsn missing busy timeout: %s", dsn)
	}
}
