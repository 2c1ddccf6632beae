package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotConnected is returned by every operation until Connect succeeds.
	ErrNotConnected = errors.New("storage: not connected")
	// ErrConnectFailed wraps the last error once Connect exhausts its attempts.
	ErrConnectFailed = errors.New("storage: connect failed")
	// ErrQueueTimeout is returned for a queued request that waited too long.
	ErrQueueTimeout = errors.New("storage: queued request timed out")
	// ErrQueueDropped is returned for the oldest request when a full queue
	// accepts a new one.
	ErrQueueDropped = errors.New("storage: queued request dropped, queue full")
	// ErrTableNotAllowed rejects mutations on tables outside the allow-list.
	ErrTableNotAllowed = errors.New("storage: table not allowed")
	// ErrEmptyRecord rejects mutations with no columns.
	ErrEmptyRecord = errors.New("storage: empty record")
	// ErrEmptyCondition rejects updates without a WHERE predicate.
	ErrEmptyCondition = errors.New("storage: empty match condition")
	// ErrInvalidColumn rejects column names that are not plain identifiers.
	ErrInvalidColumn = errors.New("storage: invalid column name")
)

// connectionMessages are lower-cased fragments drivers put in connection-class
// failures that carry no typed error.
var connectionMessages = []string{
	"too many connections",
	"too many clients",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
	"server closed the connection",
	"conn closed",
	"database is locked",
	"i/o timeout",
}

// IsConnectionError reports whether err is a transient infrastructure fault
// worth retrying: lost or refused connections, pool exhaustion, timeouts.
// Semantic errors (bad SQL, constraint violations, allow-list rejections) are
// never connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTableNotAllowed),
		errors.Is(err, ErrEmptyRecord),
		errors.Is(err, ErrEmptyCondition),
		errors.Is(err, ErrInvalidColumn),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrQueueTimeout),
		errors.Is(err, ErrQueueDropped),
		errors.Is(err, context.Canceled):
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception class
			return true
		case pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P02", // crash_shutdown
			pgErr.Code == "57P03": // cannot_connect_now
			return true
		}
		return false
	}
	if pgconn.Timeout(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range connectionMessages {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
