package schedulecontroller

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/controllers/runcontroller"
	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
	"github.com/thatsimonsguy/sprinkler-controller/internal/policy"
)

// A schedule that could not fire within this window of its start time (for
// example because the controller was down) is skipped until its next
// occurrence rather than fired hours late.
const fireWindow = 10 * time.Minute

// ZoneRunner starts zone runs and signals their terminal transitions.
// Satisfied by runcontroller.Controller.
type ZoneRunner interface {
	Start(zoneNumber, durationMinutes int, source model.RunSource) (runcontroller.Receipt, error)
	Done(runID string) <-chan struct{}
}

// Dispatcher fires schedules at their computed occurrences and walks their
// steps strictly sequentially: step N+1 is dispatched only after step N's run
// reaches a terminal state.
type Dispatcher struct {
	dbConn   *sql.DB
	runner   ZoneRunner
	interval time.Duration
	now      func() time.Time
}

func New(dbConn *sql.DB, runner ZoneRunner) *Dispatcher {
	return &Dispatcher{
		dbConn:   dbConn,
		runner:   runner,
		interval: time.Minute,
		now:      time.Now,
	}
}

func NewForTest(dbConn *sql.DB, runner ZoneRunner, now func() time.Time) *Dispatcher {
	d := New(dbConn, runner)
	d.now = now
	return d
}

func (d *Dispatcher) Run(ctx context.Context) {
	log.Info().Dur("interval", d.interval).Msg("Starting schedule dispatcher")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Schedule dispatcher stopping")
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick fires every due schedule. Each occurrence runs in its own goroutine
// since it blocks for the schedule's whole span; the lastRun guard is written
// first so the next tick cannot fire the same occurrence twice.
func (d *Dispatcher) Tick() {
	now := d.now()

	schedules, err := db.GetAllSchedules(d.dbConn)
	if err != nil {
		log.Error().Err(err).Msg("Could not retrieve schedules")
		return
	}

	for _, s := range schedules {
		if !due(s, now) {
			continue
		}
		if err := db.UpdateScheduleLastRun(d.dbConn, s.ID, now); err != nil {
			log.Error().Err(err).Str("schedule", s.ID).Msg("Could not record schedule last run")
			continue
		}
		go d.runOccurrence(s)
	}
}

func due(s model.Schedule, now time.Time) bool {
	if !s.Enabled || !containsDay(s.Days, now.Weekday()) {
		return false
	}
	start := s.StartTime.On(now)
	if now.Before(start) || now.Sub(start) > fireWindow {
		return false
	}
	// Already fired for this occurrence.
	if s.LastRun != nil && !s.LastRun.Before(start) {
		return false
	}
	return true
}

// runOccurrence executes one firing of the schedule. A disabled zone skips
// its step and the sequence continues; a rain delay or a cancelled run aborts
// the remainder of the occurrence.
func (d *Dispatcher) runOccurrence(s model.Schedule) {
	log.Info().
		Str("schedule", s.ID).
		Str("name", s.Name).
		Int("steps", len(s.Steps)).
		Msg("Schedule firing")

	timeline, err := BuildTimeline(s)
	if err != nil {
		log.Error().Err(err).Str("schedule", s.ID).Msg("Schedule has a malformed timeline, not running")
		return
	}

	for _, step := range timeline {
		zone, err := db.GetZoneByNumber(d.dbConn, step.ZoneNumber)
		if err != nil {
			log.Error().Err(err).Str("schedule", s.ID).Int("zone", step.ZoneNumber).Msg("Skipping step for unknown zone")
			continue
		}
		if !zone.Enabled {
			log.Info().Str("schedule", s.ID).Int("zone", step.ZoneNumber).Msg("Zone disabled, skipping step")
			continue
		}

		receipt, err := d.runner.Start(step.ZoneNumber, step.DurationMinutes, model.ScheduleSource(s.ID, step.StepOrder))
		if err != nil {
			if errors.Is(err, policy.ErrRainDelayActive) {
				log.Info().Str("schedule", s.ID).Msg("Rain delay active, aborting remaining schedule steps")
				return
			}
			log.Warn().Err(err).Str("schedule", s.ID).Int("zone", step.ZoneNumber).Msg("Step rejected, skipping")
			continue
		}

		<-d.runner.Done(receipt.RunID)

		run, err := db.GetRunByID(d.dbConn, receipt.RunID)
		if err != nil {
			log.Error().Err(err).Str("run_id", receipt.RunID).Msg("Could not read back schedule step run")
			return
		}
		if run.Status == model.StatusCancelled {
			log.Info().
				Str("schedule", s.ID).
				Int("zone", step.ZoneNumber).
				Msg("Step was cancelled, aborting remaining schedule steps")
			return
		}
	}

	log.Info().Str("schedule", s.ID).Str("name", s.Name).Msg("Schedule completed")
}
