package devserver

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens the backend database and ensures its schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "file:examclient-dev.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/examclient?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	schema := schemaSQLite
	if driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

// rebind rewrites "?" placeholders to "$N" for Postgres.
func rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
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

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	full_name TEXT NOT NULL DEFAULT '',
	phone_number TEXT NOT NULL DEFAULT '',
	date_of_birth TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'USER',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS test_papers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	duration_minutes INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	subject_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	test_paper_id INTEGER NOT NULL REFERENCES test_papers(id) ON DELETE CASCADE,
	position INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	test_paper_id INTEGER NOT NULL REFERENCES test_papers(id),
	final_score REAL NOT NULL,
	answers_json TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS seed_imports (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	full_name TEXT NOT NULL DEFAULT '',
	phone_number TEXT NOT NULL DEFAULT '',
	date_of_birth TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'USER',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS test_papers (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	duration_minutes INTEGER NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	subject_id BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS questions (
	id BIGSERIAL PRIMARY KEY,
	test_paper_id BIGINT NOT NULL REFERENCES test_papers(id) ON DELETE CASCADE,
	position INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	test_paper_id BIGINT NOT NULL REFERENCES test_papers(id),
	final_score DOUBLE PRECISION NOT NULL,
	answers_json TEXT NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS seed_imports (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL
);
`
