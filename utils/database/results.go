// Package database persists finished race results in sqlite and serves the
// wins leaderboard.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// LeaderboardEntry is one row of the wins leaderboard.
type LeaderboardEntry struct {
	Name string `json:"name"`
	Wins int    `json:"wins"`
}

// Result is one finished race.
type Result struct {
	Winner   string `json:"winner"`
	Loser    string `json:"loser"`
	Progress int    `json:"progress"`
	Forfeit  bool   `json:"forfeit"`
}

// Open opens (or creates) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return db, nil
}

// Initialize creates the results table if it does not exist.
func Initialize(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            winner TEXT NOT NULL,
            loser TEXT NOT NULL,
            progress INTEGER NOT NULL,
            forfeit INTEGER NOT NULL DEFAULT 0,
            played_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`)
	if err != nil {
		return fmt.Errorf("create results table: %w", err)
	}
	return nil
}

// SaveResult records one finished race.
func SaveResult(db *sql.DB, res Result) error {
	_, err := db.Exec(`INSERT INTO results (winner, loser, progress, forfeit) VALUES (?, ?, ?, ?)`,
		res.Winner, res.Loser, res.Progress, res.Forfeit)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// FetchLeaderboard returns the top players by win count.
func FetchLeaderboard(db *sql.DB, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.Query(`SELECT winner, COUNT(*) AS wins
        FROM results
        GROUP BY winner
        ORDER BY wins DESC, winner ASC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var leaderboard []LeaderboardEntry
	for rows.Next() {
		var entry LeaderboardEntry
		if err := rows.Scan(&entry.Name, &entry.Wins); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		leaderboard = append(leaderboard, entry)
	}
	return leaderboard, rows.Err()
}

// RecentResults returns the latest finished races, newest first.
func RecentResults(db *sql.DB, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.Query(`SELECT winner, loser, progress, forfeit
        FROM results
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var res Result
		if err := rows.Scan(&res.Winner, &res.Loser, &res.Progress, &res.Forfeit); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
