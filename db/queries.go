package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

// GetAllZones retrieves all zones ordered by zone number.
func GetAllZones(dbConn *sql.DB) ([]model.Zone, error) {
	rows, err := dbConn.Query(`SELECT number, name, pin_number, pin_active_high, enabled, default_duration_minutes, current_run_id FROM zones ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []model.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// GetZoneByNumber retrieves a specific zone by its number.
func GetZoneByNumber(dbConn *sql.DB, number int) (*model.Zone, error) {
	row := dbConn.QueryRow(`SELECT number, name, pin_number, pin_active_high, enabled, default_duration_minutes, current_run_id FROM zones WHERE number = ?`, number)
	z, err := scanZone(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get zone %d: %w", number, err)
	}
	return &z, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanZone(row rowScanner) (model.Zone, error) {
	var z model.Zone
	var currentRunID sql.NullString
	err := row.Scan(&z.Number, &z.Name, &z.Pin.Number, &z.Pin.ActiveHigh, &z.Enabled, &z.DefaultDurationMinutes, &currentRunID)
	if err != nil {
		return z, err
	}
	if currentRunID.Valid {
		z.CurrentRunID = &currentRunID.String
	}
	return z, nil
}

// Schedule queries

func GetAllSchedules(dbConn *sql.DB) ([]model.Schedule, error) {
	rows, err := dbConn.Query(`SELECT id, name, start_hour, start_minute, days, enabled, last_run FROM schedules ORDER BY start_hour, start_minute`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []model.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range schedules {
		steps, err := GetScheduleSteps(dbConn, schedules[i].ID)
		if err != nil {
			return nil, err
		}
		schedules[i].Steps = steps
	}
	return schedules, nil
}

func GetScheduleByID(dbConn *sql.DB, id string) (*model.Schedule, error) {
	row := dbConn.QueryRow(`SELECT id, name, start_hour, start_minute, days, enabled, last_run FROM schedules WHERE id = ?`, id)
	s, err := scanSchedule(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %s: %w", id, err)
	}
	steps, err := GetScheduleSteps(dbConn, id)
	if err != nil {
		return nil, err
	}
	s.Steps = steps
	return &s, nil
}

func scanSchedule(row rowScanner) (model.Schedule, error) {
	var s model.Schedule
	var days string
	var lastRun sql.NullString
	err := row.Scan(&s.ID, &s.Name, &s.StartTime.Hour, &s.StartTime.Minute, &days, &s.Enabled, &lastRun)
	if err != nil {
		return s, err
	}
	json.Unmarshal([]byte(days), &s.Days)
	if lastRun.Valid {
		t := parseTime(lastRun.String)
		s.LastRun = &t
	}
	return s, nil
}

func GetScheduleSteps(dbConn *sql.DB, scheduleID string) ([]model.ScheduleStep, error) {
	rows, err := dbConn.Query(`SELECT schedule_id, zone_number, step_order, duration_minutes FROM schedule_steps WHERE schedule_id = ? ORDER BY step_order`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps for schedule %s: %w", scheduleID, err)
	}
	defer rows.Close()

	var steps []model.ScheduleStep
	for rows.Next() {
		var st model.ScheduleStep
		if err := rows.Scan(&st.ScheduleID, &st.ZoneNumber, &st.StepOrder, &st.DurationMinutes); err != nil {
			return nil, fmt.Errorf("failed to scan schedule step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Run queries

func GetRunByID(dbConn *sql.DB, id string) (*model.ZoneRun, error) {
	row := dbConn.QueryRow(`SELECT id, zone_number, duration_minutes, source_type, source_schedule_id, source_step_order, started_at, ends_at, completed_at, status FROM zone_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &r, nil
}

// GetRunningRuns retrieves every run currently in the running state.
func GetRunningRuns(dbConn *sql.DB) ([]model.ZoneRun, error) {
	rows, err := dbConn.Query(`SELECT id, zone_number, duration_minutes, source_type, source_schedule_id, source_step_order, started_at, ends_at, completed_at, status FROM zone_runs WHERE status = ?`, model.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query running runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ZoneRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRecentRuns retrieves the most recent runs, newest first.
func GetRecentRuns(dbConn *sql.DB, limit int) ([]model.ZoneRun, error) {
	rows, err := dbConn.Query(`SELECT id, zone_number, duration_minutes, source_type, source_schedule_id, source_step_order, started_at, ends_at, completed_at, status FROM zone_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ZoneRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (model.ZoneRun, error) {
	var r model.ZoneRun
	var sourceScheduleID sql.NullString
	var sourceStepOrder sql.NullInt64
	var startedAt, endsAt string
	var completedAt sql.NullString

	err := row.Scan(&r.ID, &r.ZoneNumber, &r.DurationMinutes, &r.Source.Type, &sourceScheduleID, &sourceStepOrder, &startedAt, &endsAt, &completedAt, &r.Status)
	if err != nil {
		return r, err
	}
	if sourceScheduleID.Valid {
		r.Source.ScheduleID = sourceScheduleID.String
	}
	if sourceStepOrder.Valid {
		r.Source.StepOrder = int(sourceStepOrder.Int64)
	}
	r.StartedAt = parseTime(startedAt)
	r.EndsAt = parseTime(endsAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	return r, nil
}

// GetLastTerminalTime returns when the zone's most recent run reached a
// terminal state, or nil if the zone has never run to termination.
func GetLastTerminalTime(dbConn *sql.DB, zoneNumber int) (*time.Time, error) {
	var completedAt sql.NullString
	err := dbConn.QueryRow(`SELECT completed_at FROM zone_runs WHERE zone_number = ? AND completed_at IS NOT NULL ORDER BY completed_at DESC LIMIT 1`, zoneNumber).Scan(&completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last terminal time for zone %d: %w", zoneNumber, err)
	}
	if !completedAt.Valid {
		return nil, nil
	}
	t := parseTime(completedAt.String)
	return &t, nil
}

// GetSystemStatus retrieves the singleton system status row.
func GetSystemStatus(dbConn *sql.DB) (model.SystemStatus, error) {
	var status model.SystemStatus
	var endsAt sql.NullString
	err := dbConn.QueryRow(`SELECT rain_delay_active, rain_delay_ends_at FROM system_status WHERE id = 1`).Scan(&status.RainDelayActive, &endsAt)
	if err != nil {
		return status, fmt.Errorf("failed to get system status: %w", err)
	}
	if endsAt.Valid {
		t := parseTime(endsAt.String)
		status.RainDelayEndsAt = &t
	}
	return status, nil
}
