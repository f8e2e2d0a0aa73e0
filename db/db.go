package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS zones (
	number INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	pin_number INTEGER NOT NULL UNIQUE,
	pin_active_high BOOLEAN NOT NULL DEFAULT TRUE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	default_duration_minutes INTEGER NOT NULL,
	current_run_id TEXT
);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	start_hour INTEGER NOT NULL,
	start_minute INTEGER NOT NULL,
	days TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	last_run TEXT
);

CREATE TABLE IF NOT EXISTS schedule_steps (
	schedule_id TEXT NOT NULL,
	zone_number INTEGER NOT NULL,
	step_order INTEGER NOT NULL,
	duration_minutes INTEGER NOT NULL,
	PRIMARY KEY (schedule_id, step_order)
);

CREATE TABLE IF NOT EXISTS zone_runs (
	id TEXT PRIMARY KEY,
	zone_number INTEGER NOT NULL,
	duration_minutes INTEGER NOT NULL,
	source_type TEXT NOT NULL,
	source_schedule_id TEXT,
	source_step_order INTEGER,
	started_at TEXT NOT NULL,
	ends_at TEXT NOT NULL,
	completed_at TEXT,
	status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_zone_runs_status ON zone_runs(status);
CREATE INDEX IF NOT EXISTS idx_zone_runs_zone ON zone_runs(zone_number, started_at);

CREATE TABLE IF NOT EXISTS system_status (
	id INTEGER PRIMARY KEY CHECK(id=1),
	rain_delay_active BOOLEAN NOT NULL DEFAULT FALSE,
	rain_delay_ends_at TEXT
);
`

// Open opens the sqlite database at path and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	dbConn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := EnsureSchema(dbConn); err != nil {
		dbConn.Close()
		return nil, err
	}
	return dbConn, nil
}

func EnsureSchema(dbConn *sql.DB) error {
	if _, err := dbConn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SeedDatabase reconciles the zones table with the config file. New zones are
// inserted, and hardware mapping drift (name, pin, default duration) is
// written through for zones that already exist. The enabled flag and
// current_run_id are runtime state and are left alone on existing rows.
func SeedDatabase(dbConn *sql.DB, cfg *config.Config) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, z := range cfg.Zones {
		_, err = tx.Exec(`INSERT INTO zones (number, name, pin_number, pin_active_high, enabled, default_duration_minutes)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(number) DO UPDATE SET
				name = excluded.name,
				pin_number = excluded.pin_number,
				pin_active_high = excluded.pin_active_high,
				default_duration_minutes = excluded.default_duration_minutes`,
			z.Number, z.Name, *z.Pin, *cfg.RelayActiveHigh, *z.Enabled, z.DefaultDurationMinutes)
		if err != nil {
			return fmt.Errorf("failed to seed zone %d: %w", z.Number, err)
		}
	}

	_, err = tx.Exec(`INSERT OR IGNORE INTO system_status (id, rain_delay_active, rain_delay_ends_at) VALUES (1, FALSE, NULL)`)
	if err != nil {
		return fmt.Errorf("failed to seed system status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed transaction: %w", err)
	}

	log.Info().Int("zones", len(cfg.Zones)).Msg("Database seeded from config")
	return nil
}

func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
