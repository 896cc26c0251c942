// Package allowlist persists the source addresses that have passed the challenge.
//
// Addresses are matched by exact textual form. Rows are inserted once and never
// updated; uniqueness is enforced by the backing database, which is the only
// serialization point between concurrent approvals (in this process or others).
package allowlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TableName is shared by every backend so an existing database keeps working
// regardless of which driver opens it.
const TableName = "ip_addresses"

var (
	// ErrStoreUnavailable marks any open/read/write failure of the backing store.
	ErrStoreUnavailable = errors.New("allowlist store unavailable")
	// ErrDuplicateAddress is returned by Approve when the address is already present.
	// Callers treat it as success.
	ErrDuplicateAddress = errors.New("address already approved")
	// ErrInvalidAddress rejects blank addresses before they reach the database.
	ErrInvalidAddress = errors.New("invalid address")
)

// StoreError records which store operation failed. It matches ErrStoreUnavailable
// and the underlying driver error under errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("allowlist: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// ApprovedAddress is a single allowlist row.
type ApprovedAddress struct {
	Address   string
	CreatedAt time.Time
	Tag       string
}

// Seed is a bootstrap address inserted by EnsureSchema when it creates the table.
type Seed struct {
	Address string
	Tag     string
}

// DefaultSeeds returns the loopback addresses every deployment starts with.
func DefaultSeeds() []Seed {
	return []Seed{
		{Address: "::1", Tag: "localhost"},
		{Address: "127.0.0.1", Tag: "localhost"},
	}
}

// Store is the allowlist contract shared by the SQLite and Postgres backends.
type Store interface {
	// EnsureSchema creates the table if needed and, only then, inserts the
	// bootstrap seeds. It is safe to call on every startup.
	EnsureSchema(ctx context.Context) error
	// IsApproved reports whether address is present. Absence is not an error.
	IsApproved(ctx context.Context, address string) (bool, error)
	// Approve inserts address with the current time.
	Approve(ctx context.Context, address string) error
	// ApproveTagged is Approve with a free-text label.
	ApproveTagged(ctx context.Context, address, tag string) error
	// List returns every row ordered by creation time.
	List(ctx context.Context) ([]ApprovedAddress, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open picks a backend from the database setting: postgres URLs go to the gorm
// backend, anything else is treated as a SQLite file path.
func Open(database string, seeds []Seed) (Store, error) {
	database = strings.TrimSpace(database)
	if database == "" {
		return nil, storeErr("open", errors.New("empty database location"))
	}
	if IsPostgresDSN(database) {
		return OpenPostgres(database, seeds)
	}
	return OpenSQLite(database, seeds)
}

// IsPostgresDSN reports whether database names a postgres server.
func IsPostgresDSN(database string) bool {
	lower := strings.ToLower(database)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// dedupeSeeds drops blank and repeated addresses, keeping the first tag seen.
func dedupeSeeds(seeds []Seed) []Seed {
	seen := make(map[string]struct{}, len(seeds))
	out := make([]Seed, 0, len(seeds))
	for _, s := range seeds {
		addr := strings.TrimSpace(s.Address)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, Seed{Address: addr, Tag: s.Tag})
	}
	return out
}

func normalize(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", ErrInvalidAddress
	}
	return address, nil
}
