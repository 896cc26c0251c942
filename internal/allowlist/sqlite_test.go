package allowlist

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T, seeds []Seed) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "var", "protect.sqlite"), seeds)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestSQLiteStore_EnsureSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	seeds := append(DefaultSeeds(), Seed{Address: "1.2.3.4", Tag: "partner"})
	s := openTestSQLite(t, seeds)

	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx))

	rows, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	for _, seed := range seeds {
		ok, err := s.IsApproved(ctx, seed.Address)
		require.NoError(t, err)
		require.True(t, ok, "seed %s should be approved", seed.Address)
	}
}

func TestSQLiteStore_SeedsOnlyOnCreation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "protect.sqlite")

	first, err := OpenSQLite(path, DefaultSeeds())
	require.NoError(t, err)
	require.NoError(t, first.EnsureSchema(ctx))
	_, err = first.db.ExecContext(ctx, "DELETE FROM "+TableName+" WHERE ip_address = ?", "::1")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path, append(DefaultSeeds(), Seed{Address: "5.6.7.8", Tag: "partner"}))
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.EnsureSchema(ctx))

	rows, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "127.0.0.1", rows[0].Address)

	ok, err := second.IsApproved(ctx, "::1")
	require.NoError(t, err)
	require.False(t, ok, "removed seed must not come back")
}

func TestSQLiteStore_ApproveThenIsApproved(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, nil)

	ok, err := s.IsApproved(ctx, "203.0.113.5")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Approve(ctx, "203.0.113.5"))

	ok, err = s.IsApproved(ctx, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, ok)

	// exact-string match only
	ok, err = s.IsApproved(ctx, "203.0.113.50")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore_DuplicateApprove(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, nil)

	require.NoError(t, s.ApproveTagged(ctx, "198.51.100.1", "cli"))
	err := s.Approve(ctx, "198.51.100.1")
	require.ErrorIs(t, err, ErrDuplicateAddress)

	rows, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "cli", rows[0].Tag)
	require.False(t, rows[0].CreatedAt.IsZero())
}

func TestSQLiteStore_RejectsBlankAddress(t *testing.T) {
	s := openTestSQLite(t, nil)
	require.ErrorIs(t, s.Approve(context.Background(), "  "), ErrInvalidAddress)
}

func TestSQLiteStore_ConcurrentApproveSameAddress(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, nil)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Approve(ctx, "192.0.2.77")
		}(i)
	}
	wg.Wait()

	var created, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateAddress):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, created)
	require.Equal(t, workers-1, dup)

	rows, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSQLiteStore_ClosedStoreIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "protect.sqlite"), nil)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.Close())

	_, err = s.IsApproved(ctx, "203.0.113.5")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	err = s.Approve(ctx, "203.0.113.5")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	var se *StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "insert", se.Op)
}

func TestOpen_PicksBackend(t *testing.T) {
	require.True(t, IsPostgresDSN("postgres://gate@db/gate"))
	require.True(t, IsPostgresDSN("PostgreSQL://gate@db/gate"))
	require.False(t, IsPostgresDSN("/var/www/var/protect.sqlite"))

	s, err := Open(filepath.Join(t.TempDir(), "protect.sqlite"), nil)
	require.NoError(t, err)
	defer s.Close()
	require.IsType(t, &SQLiteStore{}, s)

	_, err = Open("  ", nil)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
