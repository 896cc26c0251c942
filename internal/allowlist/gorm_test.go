package allowlist

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

// openTestGorm runs the gorm backend over a modernc SQLite connection so the
// test needs neither a postgres server nor cgo.
func openTestGorm(t *testing.T, seeds []Seed) *GormStore {
	t.Helper()
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "gorm.sqlite")+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)

	s, err := OpenGorm(sqlite.New(sqlite.Config{Conn: conn}), seeds)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestGormStore_EnsureSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestGorm(t, DefaultSeeds())

	require.NoError(t, s.EnsureSchema(ctx))

	rows, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Equal(t, "localhost", r.Tag)
	}
}

func TestGormStore_RemovedSeedStaysRemoved(t *testing.T) {
	ctx := context.Background()
	s := openTestGorm(t, DefaultSeeds())

	require.NoError(t, s.db.WithContext(ctx).Where("ip_address = ?", "::1").Delete(&addressRecord{}).Error)
	require.NoError(t, s.EnsureSchema(ctx))

	ok, err := s.IsApproved(ctx, "::1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGormStore_ApproveAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTestGorm(t, nil)

	ok, err := s.IsApproved(ctx, "203.0.113.5")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Approve(ctx, "203.0.113.5"))
	require.ErrorIs(t, s.Approve(ctx, "203.0.113.5"), ErrDuplicateAddress)

	ok, err = s.IsApproved(ctx, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, ok)

	rows, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "203.0.113.5", rows[0].Address)
	require.Empty(t, rows[0].Tag)
}

func TestGormStore_Ping(t *testing.T) {
	s := openTestGorm(t, nil)
	require.NoError(t, s.Ping(context.Background()))
}
