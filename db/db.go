// Package db provides database connection helpers, schema migration, and the
// dialect abstraction that keeps the three supported engines interchangeable.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql" // mysql driver registered as 'mysql'
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure-Go sqlite driver registered as 'sqlite'
)

// Dialect identifies the SQL engine behind a connection. Higher layers write
// queries with '?' placeholders and branch on the dialect only where syntax
// genuinely differs (upserts, row locking).
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// DB wraps *sql.DB together with the dialect it was opened with.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Dialect returns the engine dialect of this connection.
func (d *DB) Dialect() Dialect { return d.dialect }

// New wraps an existing *sql.DB. Used by tests that inject mock connections.
func New(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{DB: sqlDB, dialect: dialect}
}

// Open opens a connection for the given DSN. The engine is selected by
// scheme: postgres:// (or postgresql://), mysql://, sqlite:// (or a bare
// file path).
func Open(dsn string) (*DB, error) {
	driver, dataSource, dialect, err := resolveDSN(dsn)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(driver, dataSource)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// modernc sqlite allows one writer per database file; a single
		// pooled connection avoids SQLITE_BUSY under concurrent appends.
		sqlDB.SetMaxOpenConns(1)
	}
	return &DB{DB: sqlDB, dialect: dialect}, nil
}

// ResolveDialect reports the dialect a DSN would select without opening a
// connection.
func ResolveDialect(dsn string) (Dialect, error) {
	_, _, dialect, err := resolveDSN(dsn)
	return dialect, err
}

func resolveDSN(dsn string) (driver, dataSource string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, DialectPostgres, nil
	case strings.HasPrefix(dsn, "mysql://"):
		ds, err := mysqlDataSource(dsn)
		if err != nil {
			return "", "", "", err
		}
		return "mysql", ds, DialectMySQL, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), DialectSQLite, nil
	case strings.Contains(dsn, "://"):
		return "", "", "", fmt.Errorf("unsupported DB_DSN scheme in %q (use sqlite://, postgres:// or mysql://)", dsn)
	default:
		// Bare path: treat as an embedded sqlite file.
		return "sqlite", dsn, DialectSQLite, nil
	}
}

// mysqlDataSource converts a mysql:// URL into the go-sql-driver form
// (user:pass@tcp(host:port)/dbname). parseTime is forced on so TIMESTAMP
// columns scan into time.Time like on the other engines.
func mysqlDataSource(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":3306"
	}
	var cred string
	if u.User != nil {
		cred = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cred += ":" + pw
		}
		cred += "@"
	}
	q := u.Query()
	q.Set("parseTime", "true")
	return fmt.Sprintf("%stcp(%s)/%s?%s", cred, host, strings.TrimPrefix(u.Path, "/"), q.Encode()), nil
}

// Rebind converts '?' placeholders to the dialect's native style. MySQL and
// SQLite take '?' as-is; Postgres needs ordinal $n placeholders.
func (dl Dialect) Rebind(query string) string {
	if dl != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// InsertSessionSQL returns the insert-if-absent statement for connection
// sessions, so a retried Begin is a no-op. Placeholders are (session_id,
// client_id, remote_addr, started_at).
func (dl Dialect) InsertSessionSQL() string {
	const cols = "(session_id, client_id, remote_addr, started_at) VALUES(?,?,?,?)"
	switch dl {
	case DialectMySQL:
		return "INSERT IGNORE INTO connection_sessions" + cols
	case DialectPostgres:
		return dl.Rebind("INSERT INTO connection_sessions" + cols + " ON CONFLICT(session_id) DO NOTHING")
	default:
		return "INSERT INTO connection_sessions" + cols + " ON CONFLICT(session_id) DO NOTHING"
	}
}

// SupportsForUpdate reports whether the engine accepts SELECT ... FOR UPDATE
// row locking. SQLite has a single writer per database and does not parse
// the clause.
func (dl Dialect) SupportsForUpdate() bool { return dl != DialectSQLite }

// UpsertCursorSQL returns the statement that raises a cursor row to a new
// value, inserting it when absent. Placeholders are (client_id, topic, seq).
// Values lower than the stored sequence never win, so replaying the
// statement is harmless. The column is named seq because CURSOR is a
// reserved word on MySQL.
func (dl Dialect) UpsertCursorSQL() string {
	switch dl {
	case DialectMySQL:
		return "INSERT INTO replay_cursors(client_id, topic, seq) VALUES(?,?,?) " +
			"ON DUPLICATE KEY UPDATE seq = GREATEST(seq, VALUES(seq))"
	case DialectPostgres:
		return dl.Rebind("INSERT INTO replay_cursors(client_id, topic, seq) VALUES(?,?,?) " +
			"ON CONFLICT(client_id, topic) DO UPDATE SET seq = GREATEST(replay_cursors.seq, EXCLUDED.seq)")
	default:
		// sqlite's two-argument max() is the scalar form.
		return "INSERT INTO replay_cursors(client_id, topic, seq) VALUES(?,?,?) " +
			"ON CONFLICT(client_id, topic) DO UPDATE SET seq = MAX(replay_cursors.seq, excluded.seq)"
	}
}
