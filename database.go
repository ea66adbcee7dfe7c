package main

import (
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"r0sim-server/sim"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// RunRow is one archived run
type RunRow struct {
	ID                  int64     `json:"id"`
	Run                 uint64    `json:"run"`
	Seed                int64     `json:"seed"`
	Population          int       `json:"population"`
	VaccinationFraction float64   `json:"vaccination"`
	InitialInfected     int       `json:"initial_infected"`
	R0                  float64   `json:"r0"`
	Ticks               uint64    `json:"ticks"`
	PeakInfected        int       `json:"peak_infected"`
	FinalInfected       int       `json:"final_infected"`
	FinalRecovered      int       `json:"final_recovered"`
	FinalVaccinated     int       `json:"final_vaccinated"`
	FinalHealthy        int       `json:"final_healthy"`
	StartedAt           time.Time `json:"started_at"`
	EndedAt             time.Time `json:"ended_at"`
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		population INTEGER NOT NULL,
		vaccination REAL NOT NULL DEFAULT 0,
		initial_infected INTEGER NOT NULL DEFAULT 0,
		r0 REAL NOT NULL,
		ticks INTEGER NOT NULL,
		peak_infected INTEGER NOT NULL DEFAULT 0,
		final_infected INTEGER NOT NULL DEFAULT 0,
		final_recovered INTEGER NOT NULL DEFAULT 0,
		final_vaccinated INTEGER NOT NULL DEFAULT 0,
		final_healthy INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_ended ON runs(ended_at);
	`
	_, err := db.conn.Exec(schema)
	if err != nil {
		logrus.WithError(err).Error("DB migration error")
	}
	return err
}

// GetSetting returns a stored setting, or "" if it is missing
func (db *DB) GetSetting(key string) string {
	var v string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if err != nil {
		return ""
	}
	return v
}

// SetSetting stores a setting, replacing any previous value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// InsertRuns writes a batch of run summaries in one transaction
func (db *DB) InsertRuns(runs []sim.RunSummary) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO runs (run, seed, population, vaccination, initial_infected, r0, ticks,
		peak_infected, final_infected, final_recovered, final_vaccinated, final_healthy, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range runs {
		_, err := stmt.Exec(
			int64(r.Run), r.Seed, r.Population, r.VaccinationFraction, r.InitialInfected, r.R0, int64(r.Ticks),
			r.PeakInfected, r.Final.Infected, r.Final.Recovered, r.Final.Vaccinated, r.Final.Healthy,
			r.StartedAt.UTC().Format(time.RFC3339Nano), r.EndedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recently ended runs, newest first
func (db *DB) ListRuns(limit int) ([]RunRow, error) {
	rows, err := db.conn.Query(`
		SELECT id, run, seed, population, vaccination, initial_infected, r0, ticks, peak_infected,
			final_infected, final_recovered, final_vaccinated, final_healthy, started_at, ended_at
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []RunRow{}
	for rows.Next() {
		var (
			r              RunRow
			run, ticks     int64
			started, ended string
		)
		if err := rows.Scan(&r.ID, &run, &r.Seed, &r.Population, &r.VaccinationFraction, &r.InitialInfected,
			&r.R0, &ticks, &r.PeakInfected, &r.FinalInfected, &r.FinalRecovered, &r.FinalVaccinated,
			&r.FinalHealthy, &started, &ended); err != nil {
			return nil, err
		}
		r.Run = uint64(run)
		r.Ticks = uint64(ticks)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		result = append(result, r)
	}
	return result, rows.Err()
}

// CountRuns returns the number of archived runs
func (db *DB) CountRuns() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count)
	return count, err
}
