package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Initialize(db))
	return db
}

func TestInitializeIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, Initialize(db))
}

func TestSaveAndFetchLeaderboard(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, SaveResult(db, Result{Winner: "alice", Loser: "bob", Progress: 10}))
	require.NoError(t, SaveResult(db, Result{Winner: "alice", Loser: "carol", Progress: 10}))
	require.NoError(t, SaveResult(db, Result{Winner: "bob", Loser: "alice", Progress: 7, Forfeit: true}))
	require.NoError(t, SaveResult(db, Result{Winner: "carol", Loser: "bob", Progress: 10}))

	leaderboard, err := FetchLeaderboard(db, 10)
	require.NoError(t, err)
	require.Equal(t, []LeaderboardEntry{
		{Name: "alice", Wins: 2},
		{Name: "bob", Wins: 1},
		{Name: "carol", Wins: 1},
	}, leaderboard)
}

func TestFetchLeaderboardLimit(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, SaveResult(db, Result{Winner: "alice", Loser: "bob", Progress: 10}))
	require.NoError(t, SaveResult(db, Result{Winner: "bob", Loser: "alice", Progress: 10}))

	leaderboard, err := FetchLeaderboard(db, 1)
	require.NoError(t, err)
	require.Len(t, leaderboard, 1)
	require.Equal(t, "alice", leaderboard[0].Name)
}

func TestRecentResultsNewestFirst(t *testing.T) {
	db := newTestDB(t)

	first := Result{Winner: "alice", Loser: "bob", Progress: 10}
	second := Result{Winner: "bob", Loser: "alice", Progress: 4, Forfeit: true}
	require.NoError(t, SaveResult(db, first))
	require.NoError(t, SaveResult(db, second))

	recent, err := RecentResults(db, 10)
	require.NoError(t, err)
	require.Equal(t, []Result{second, first}, recent)
}

func TestEmptyTables(t *testing.T) {
	db := newTestDB(t)

	leaderboard, err := FetchLeaderboard(db, 5)
	require.NoError(t, err)
	require.Empty(t, leaderboard)

	recent, err := RecentResults(db, 5)
	require.NoError(t, err)
	require.Empty(t, recent)
}
