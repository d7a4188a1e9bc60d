package watchlist

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wombatsyoks/mariom/internal/database"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "watchlist.db"),
		Name: "watchlist",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	return repo
}

func TestAddAndList(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Add("aapl"))
	require.NoError(t, repo.Add("MSFT"))
	require.NoError(t, repo.Add("  tsla "))

	entries, err := repo.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Normalized to upper case, ordered alphabetically.
	assert.Equal(t, "AAPL", entries[0].Symbol)
	assert.Equal(t, "MSFT", entries[1].Symbol)
	assert.Equal(t, "TSLA", entries[2].Symbol)
	assert.False(t, entries[0].AddedAt.IsZero())
}

func TestAddDuplicateIsNoOp(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Add("AAPL"))
	require.NoError(t, repo.Add("AAPL"))

	symbols, err := repo.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, symbols)
}

func TestAddEmptySymbolRejected(t *testing.T) {
	repo := newTestRepo(t)
	assert.Error(t, repo.Add("   "))
}

func TestRemove(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Add("AAPL"))
	require.NoError(t, repo.Remove("aapl"))

	symbols, err := repo.Symbols()
	require.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestRemoveMissingSymbol(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.Remove("NOPE")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Seed([]string{"AAPL", "MSFT"}))

	symbols, err := repo.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)

	// User removes one; re-seeding must not bring it back.
	require.NoError(t, repo.Remove("MSFT"))
	require.NoError(t, repo.Seed([]string{"AAPL", "MSFT"}))

	symbols, err = repo.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, symbols)
}
