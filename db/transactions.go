package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(dbConn *sql.DB) (*sql.Tx, error) {
	tx, err := dbConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// InsertRun writes a new running run and points its zone's current_run_id at
// it, in one transaction.
func InsertRun(dbConn *sql.DB, run model.ZoneRun) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	var scheduleID interface{}
	var stepOrder interface{}
	if run.Source.Type == model.SourceSchedule {
		scheduleID = run.Source.ScheduleID
		stepOrder = run.Source.StepOrder
	}

	_, err = tx.Exec(`INSERT INTO zone_runs (id, zone_number, duration_minutes, source_type, source_schedule_id, source_step_order, started_at, ends_at, completed_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		run.ID, run.ZoneNumber, run.DurationMinutes, run.Source.Type, scheduleID, stepOrder,
		formatTime(run.StartedAt), formatTime(run.EndsAt), run.Status)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}

	_, err = tx.Exec(`UPDATE zones SET current_run_id = ? WHERE number = ?`, run.ID, run.ZoneNumber)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update zone current run: %w", err)
	}

	return tx.Commit()
}

// FinalizeRun moves a run to a terminal state and clears its zone's
// current_run_id, in one transaction. The zone pointer is only cleared if it
// still references this run, so a supersede that already repointed the zone
// is not undone.
func FinalizeRun(dbConn *sql.DB, runID string, zoneNumber int, status model.RunStatus, completedAt time.Time) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	_, err = tx.Exec(`UPDATE zone_runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, formatTime(completedAt), runID, model.StatusRunning)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("finalize run: %w", err)
	}

	_, err = tx.Exec(`UPDATE zones SET current_run_id = NULL WHERE number = ? AND current_run_id = ?`, zoneNumber, runID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("clear zone current run: %w", err)
	}

	return tx.Commit()
}

// CancelOrphanedRuns marks every running run cancelled. Used at startup after
// a crash, when the boot script has already driven all pins off.
func CancelOrphanedRuns(dbConn *sql.DB) (int64, error) {
	tx, err := dbConn.Begin()
	if err != nil {
		return 0, fmt.Errorf("start transaction: %w", err)
	}

	result, err := tx.Exec(`UPDATE zone_runs SET status = ?, completed_at = ? WHERE status = ?`,
		model.StatusCancelled, formatTime(time.Now()), model.StatusRunning)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("cancel orphaned runs: %w", err)
	}

	_, err = tx.Exec(`UPDATE zones SET current_run_id = NULL WHERE current_run_id IS NOT NULL`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("clear zone current runs: %w", err)
	}

	count, _ := result.RowsAffected()
	return count, tx.Commit()
}

// Zone mutations

func InsertZone(dbConn *sql.DB, zone model.Zone) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO zones (number, name, pin_number, pin_active_high, enabled, default_duration_minutes) VALUES (?, ?, ?, ?, ?, ?)`,
		zone.Number, zone.Name, zone.Pin.Number, zone.Pin.ActiveHigh, zone.Enabled, zone.DefaultDurationMinutes)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert zone %d: %w", zone.Number, err)
	}
	return tx.Commit()
}

func UpdateZone(dbConn *sql.DB, zone model.Zone) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE zones SET name = ?, pin_number = ?, pin_active_high = ?, enabled = ?, default_duration_minutes = ? WHERE number = ?`,
		zone.Name, zone.Pin.Number, zone.Pin.ActiveHigh, zone.Enabled, zone.DefaultDurationMinutes, zone.Number)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update zone %d: %w", zone.Number, err)
	}
	return tx.Commit()
}

// DeleteZone removes a zone. It refuses while the zone has a current run.
func DeleteZone(dbConn *sql.DB, number int) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	var currentRunID sql.NullString
	err = tx.QueryRow(`SELECT current_run_id FROM zones WHERE number = ?`, number).Scan(&currentRunID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to get zone %d: %w", number, err)
	}
	if currentRunID.Valid {
		tx.Rollback()
		return fmt.Errorf("zone %d has an active run and cannot be deleted", number)
	}

	_, err = tx.Exec(`DELETE FROM zones WHERE number = ?`, number)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete zone %d: %w", number, err)
	}
	return tx.Commit()
}

// Schedule mutations

func InsertSchedule(dbConn *sql.DB, schedule model.Schedule) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO schedules (id, name, start_hour, start_minute, days, enabled, last_run) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID, schedule.Name, schedule.StartTime.Hour, schedule.StartTime.Minute,
		marshalJSON(schedule.Days), schedule.Enabled, nullableTime(schedule.LastRun))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert schedule %s: %w", schedule.ID, err)
	}

	for _, step := range schedule.Steps {
		_, err = tx.Exec(`INSERT INTO schedule_steps (schedule_id, zone_number, step_order, duration_minutes) VALUES (?, ?, ?, ?)`,
			schedule.ID, step.ZoneNumber, step.StepOrder, step.DurationMinutes)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert step %d of schedule %s: %w", step.StepOrder, schedule.ID, err)
		}
	}

	return tx.Commit()
}

// UpdateSchedule rewrites a schedule and its steps in one transaction.
func UpdateSchedule(dbConn *sql.DB, schedule model.Schedule) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	result, err := tx.Exec(`UPDATE schedules SET name = ?, start_hour = ?, start_minute = ?, days = ?, enabled = ? WHERE id = ?`,
		schedule.Name, schedule.StartTime.Hour, schedule.StartTime.Minute,
		marshalJSON(schedule.Days), schedule.Enabled, schedule.ID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update schedule %s: %w", schedule.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		tx.Rollback()
		return fmt.Errorf("failed to get schedule %s: %w", schedule.ID, sql.ErrNoRows)
	}

	_, err = tx.Exec(`DELETE FROM schedule_steps WHERE schedule_id = ?`, schedule.ID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("clear steps of schedule %s: %w", schedule.ID, err)
	}

	for _, step := range schedule.Steps {
		_, err = tx.Exec(`INSERT INTO schedule_steps (schedule_id, zone_number, step_order, duration_minutes) VALUES (?, ?, ?, ?)`,
			schedule.ID, step.ZoneNumber, step.StepOrder, step.DurationMinutes)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert step %d of schedule %s: %w", step.StepOrder, schedule.ID, err)
		}
	}

	return tx.Commit()
}

func DeleteSchedule(dbConn *sql.DB, id string) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM schedule_steps WHERE schedule_id = ?`, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete steps of schedule %s: %w", id, err)
	}

	result, err := tx.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		tx.Rollback()
		return fmt.Errorf("failed to get schedule %s: %w", id, sql.ErrNoRows)
	}

	return tx.Commit()
}

func UpdateScheduleLastRun(dbConn *sql.DB, id string, lastRun time.Time) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE schedules SET last_run = ? WHERE id = ?`, formatTime(lastRun), id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update schedule last run: %w", err)
	}
	return tx.Commit()
}

// System status mutations

func SetRainDelay(dbConn *sql.DB, active bool, endsAt *time.Time) error {
	tx, err := dbConn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE system_status SET rain_delay_active = ?, rain_delay_ends_at = ? WHERE id = 1`,
		active, nullableTime(endsAt))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update rain delay: %w", err)
	}
	return tx.Commit()
}
