package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/anime-shed/card-scanner-go/internal/config"
)

// DB wraps the scan database connection.
type DB struct {
	conn   *sql.DB
	dbType string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		outcome TEXT NOT NULL,
		code TEXT,
		recognizer_name TEXT,
		initiated_by_user BOOLEAN NOT NULL DEFAULT FALSE,
		fields TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans (created_at)`,
	`CREATE TABLE IF NOT EXISTS retry_states (
		user_key TEXT PRIMARY KEY,
		remaining INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// NewDB opens the configured database and creates the tables it needs.
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	var driver string
	switch cfg.Type {
	case "sqlite3":
		driver = "sqlite3"
	case "postgres":
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	conn, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
	}

	db := &DB{conn: conn, dbType: cfg.Type}
	if err := db.createTables(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return db, nil
}

func (db *DB) createTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (db *DB) rebind(query string) string {
	if db.dbType != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
