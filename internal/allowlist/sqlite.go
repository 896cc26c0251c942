package allowlist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"
)

// createdLayout matches the timestamps written by earlier deployments of the gate.
const createdLayout = "2006-01-02 15:04:05"

var createdLayouts = []string{
	createdLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

const createTable = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	created TIMESTAMP,
	tag TEXT,
	ip_address TEXT NOT NULL PRIMARY KEY
)`

// SQLiteStore keeps the allowlist in a single SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	seeds []Seed
	now   func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database file at path. The schema is
// not touched until EnsureSchema is called.
func OpenSQLite(path string, seeds []Seed) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, storeErr("open", fmt.Errorf("create database directory: %w", err))
		}
	}

	// busy_timeout lets a writer from another process wait for the lock
	// instead of failing the request outright.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, storeErr("open", err)
	}
	// SQLite has a single writer; serialize in-process access on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storeErr("open", err)
	}

	return &SQLiteStore{
		db:    db,
		path:  path,
		seeds: dedupeSeeds(seeds),
		now:   time.Now,
	}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", TableName).Scan(&n)
	if err != nil {
		return storeErr("inspect schema", err)
	}
	// Seeds go in only with a fresh table; rows an operator removed stay removed.
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return storeErr("create schema", err)
	}
	log.Info().Str("table", TableName).Str("path", s.path).Msg("created allowlist schema")
	return s.seed(ctx)
}

func (s *SQLiteStore) seed(ctx context.Context) error {
	for _, seed := range s.seeds {
		inserted, err := s.insert(ctx, seed.Address, seed.Tag)
		if err != nil {
			return err
		}
		if inserted {
			log.Info().Str("address", seed.Address).Str("tag", seed.Tag).Msg("initialized address")
		}
	}
	return nil
}

func (s *SQLiteStore) IsApproved(ctx context.Context, address string) (bool, error) {
	address, err := normalize(address)
	if err != nil {
		return false, nil
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+TableName+" WHERE ip_address = ?", address).Scan(&n)
	if err != nil {
		return false, storeErr("lookup", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Approve(ctx context.Context, address string) error {
	return s.ApproveTagged(ctx, address, "")
}

func (s *SQLiteStore) ApproveTagged(ctx context.Context, address, tag string) error {
	address, err := normalize(address)
	if err != nil {
		return err
	}
	inserted, err := s.insert(ctx, address, tag)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrDuplicateAddress
	}
	return nil
}

// insert reports false when the address already existed.
func (s *SQLiteStore) insert(ctx context.Context, address, tag string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO "+TableName+"(ip_address, created, tag) VALUES(?, ?, ?) ON CONFLICT(ip_address) DO NOTHING",
		address, s.now().UTC().Format(createdLayout), nullable(tag))
	if err != nil {
		return false, storeErr("insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("insert", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]ApprovedAddress, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ip_address, created, tag FROM "+TableName+" ORDER BY created, ip_address")
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var out []ApprovedAddress
	for rows.Next() {
		var (
			addr    string
			created sql.NullString
			tag     sql.NullString
		)
		if err := rows.Scan(&addr, &created, &tag); err != nil {
			return nil, storeErr("list", err)
		}
		out = append(out, ApprovedAddress{
			Address:   addr,
			CreatedAt: parseCreated(created.String),
			Tag:       tag.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseCreated(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
