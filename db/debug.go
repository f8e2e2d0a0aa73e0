package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

func ListZonesCLI(dbPath string) error {
	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	zones, err := GetAllZones(dbConn)
	if err != nil {
		return err
	}

	for _, z := range zones {
		state := "idle"
		if z.CurrentRunID != nil {
			state = "running (" + *z.CurrentRunID + ")"
		}
		enabled := "enabled"
		if !z.Enabled {
			enabled = "disabled"
		}
		fmt.Printf("zone %d  %-20s pin %-2d  %s  default %dm  %s\n",
			z.Number, z.Name, z.Pin.Number, enabled, z.DefaultDurationMinutes, state)
	}
	return nil
}

func ListRunsCLI(dbPath string, limit int) error {
	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	runs, err := GetRecentRuns(dbConn, limit)
	if err != nil {
		return err
	}

	for _, r := range runs {
		source := string(r.Source.Type)
		if r.Source.Type == model.SourceSchedule {
			source = fmt.Sprintf("schedule %s step %d", r.Source.ScheduleID, r.Source.StepOrder)
		}
		fmt.Printf("%s  zone %d  %3dm  %-9s  started %s  (%s)\n",
			r.ID, r.ZoneNumber, r.DurationMinutes, r.Status,
			r.StartedAt.Local().Format(time.RFC3339), source)
	}
	return nil
}

func ShowStatusCLI(dbPath string) error {
	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	status, err := GetSystemStatus(dbConn)
	if err != nil {
		return err
	}
	running, err := GetRunningRuns(dbConn)
	if err != nil {
		return err
	}

	fmt.Printf("rain delay active: %v\n", status.RainDelayActive)
	if status.RainDelayEndsAt != nil {
		fmt.Printf("rain delay ends:   %s\n", status.RainDelayEndsAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("running zones:     %d\n", len(running))
	for _, r := range running {
		fmt.Printf("  zone %d until %s (run %s)\n", r.ZoneNumber, r.EndsAt.Local().Format(time.RFC3339), r.ID)
	}
	return nil
}

func ClearRainDelayCLI(dbPath string) error {
	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	return SetRainDelay(dbConn, false, nil)
}

// CancelOrphanedRunsCLI force-cancels running rows left behind by a crashed
// process. Only safe to use when the service is stopped.
func CancelOrphanedRunsCLI(dbPath string) error {
	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	count, err := CancelOrphanedRuns(dbConn)
	if err != nil {
		return err
	}
	fmt.Printf("Cancelled %d orphaned runs\n", count)
	return nil
}
