package runcontroller

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/actuator"
	"github.com/thatsimonsguy/sprinkler-controller/internal/datadog"
	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
	"github.com/thatsimonsguy/sprinkler-controller/internal/notifications"
	"github.com/thatsimonsguy/sprinkler-controller/internal/policy"
)

// Receipt is returned to the caller of Start.
type Receipt struct {
	RunID       string `json:"run_id"`
	ZoneNumber  int    `json:"zone_number"`
	MinutesLeft int    `json:"minutes_left"`
}

// Controller owns the zone run state machine: Idle -> Running -> Completed or
// Cancelled. All transitions happen under one mutex, so a validated start can
// never interleave with a rain-delay cancellation, and a late timer callback
// can never re-fire a run that already reached a terminal state.
type Controller struct {
	mu        sync.Mutex
	dbConn    *sql.DB
	validator *policy.Validator
	driver    actuator.Driver
	notifier  notifications.Notifier

	now      func() time.Time
	schedule func(d time.Duration, f func()) func()

	cancels map[string]func()
	done    map[string]chan struct{}
}

func New(dbConn *sql.DB, validator *policy.Validator, driver actuator.Driver, notifier notifications.Notifier) *Controller {
	return &Controller{
		dbConn:    dbConn,
		validator: validator,
		driver:    driver,
		notifier:  notifier,
		now:       time.Now,
		schedule: func(d time.Duration, f func()) func() {
			t := time.AfterFunc(d, f)
			return func() { t.Stop() }
		},
		cancels: make(map[string]func()),
		done:    make(map[string]chan struct{}),
	}
}

// TestDeps holds the clock and timer seams for tests.
type TestDeps struct {
	Now      func() time.Time
	Schedule func(d time.Duration, f func()) func()
}

// NewForTest creates a controller with an injectable clock and timer.
func NewForTest(dbConn *sql.DB, validator *policy.Validator, driver actuator.Driver, notifier notifications.Notifier, deps *TestDeps) *Controller {
	c := New(dbConn, validator, driver, notifier)
	if deps.Now != nil {
		c.now = deps.Now
	}
	if deps.Schedule != nil {
		c.schedule = deps.Schedule
	}
	return c
}

// Start activates a zone for durationMinutes (the zone's default when zero).
// If the zone is already running, the existing run is cancelled first and the
// new one takes its place. The pin is energized before the run row is
// written: an actuator failure aborts the start and leaves no record and no
// armed timer.
func (c *Controller) Start(zoneNumber, durationMinutes int, source model.RunSource) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	zone, err := db.GetZoneByNumber(c.dbConn, zoneNumber)
	if err != nil {
		return Receipt{}, err
	}

	if durationMinutes == 0 {
		durationMinutes = zone.DefaultDurationMinutes
	}

	now := c.now()

	status, err := db.GetSystemStatus(c.dbConn)
	if err != nil {
		return Receipt{}, err
	}
	running, err := db.GetRunningRuns(c.dbConn)
	if err != nil {
		return Receipt{}, err
	}
	lastTerminal, err := db.GetLastTerminalTime(c.dbConn, zoneNumber)
	if err != nil {
		return Receipt{}, err
	}

	var prior *model.ZoneRun
	for i := range running {
		if running[i].ZoneNumber == zoneNumber {
			prior = &running[i]
			break
		}
	}

	req := policy.Request{
		Zone:            *zone,
		DurationMinutes: durationMinutes,
		Source:          source,
		Supersede:       prior != nil,
	}
	snap := policy.Snapshot{
		Status:       status,
		RunningRuns:  running,
		LastTerminal: lastTerminal,
		Now:          now,
	}
	if err := c.validator.Validate(req, snap); err != nil {
		log.Warn().
			Err(err).
			Int("zone", zoneNumber).
			Str("source", string(source.Type)).
			Msg("Activation request rejected")
		datadog.Count("policy_rejections", 1, "reason:"+policy.Reason(err))
		return Receipt{}, err
	}

	if prior != nil {
		log.Info().
			Int("zone", zoneNumber).
			Str("run_id", prior.ID).
			Msg("Superseding current run")
		c.finalizeLocked(*prior, zone.Pin, model.StatusCancelled, "superseded")
	}

	if err := c.driver.Energize(zone.Pin); err != nil {
		datadog.Count("actuator_failures", 1)
		return Receipt{}, fmt.Errorf("failed to energize pin %d for zone %d: %w", zone.Pin.Number, zoneNumber, err)
	}

	run := model.ZoneRun{
		ID:              uuid.NewString(),
		ZoneNumber:      zoneNumber,
		DurationMinutes: durationMinutes,
		Source:          source,
		StartedAt:       now,
		EndsAt:          now.Add(time.Duration(durationMinutes) * time.Minute),
		Status:          model.StatusRunning,
	}
	if err := db.InsertRun(c.dbConn, run); err != nil {
		// Put the hardware back to match the missing record.
		if derr := c.driver.Deenergize(zone.Pin); derr != nil {
			log.Error().Err(derr).Int("pin", zone.Pin.Number).Msg("Failed to de-energize pin after insert failure")
		}
		return Receipt{}, err
	}

	runID := run.ID
	c.done[runID] = make(chan struct{})
	c.cancels[runID] = c.schedule(time.Duration(durationMinutes)*time.Minute, func() {
		c.complete(runID)
	})

	log.Info().
		Int("zone", zoneNumber).
		Str("run_id", runID).
		Int("duration_minutes", durationMinutes).
		Str("source", string(source.Type)).
		Msg("Zone run started")
	datadog.Count("runs_started", 1, fmt.Sprintf("zone:%d", zoneNumber))
	c.gaugeActiveLocked()
	c.notify("Zone started", fmt.Sprintf("%s (zone %d) watering for %d minutes", zone.Name, zoneNumber, durationMinutes))

	return Receipt{RunID: runID, ZoneNumber: zoneNumber, MinutesLeft: durationMinutes}, nil
}

// Stop cancels the zone's current run. Stopping a zone that is not running is
// a no-op, not an error.
func (c *Controller) Stop(zoneNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	zone, err := db.GetZoneByNumber(c.dbConn, zoneNumber)
	if err != nil {
		return err
	}

	running, err := db.GetRunningRuns(c.dbConn)
	if err != nil {
		return err
	}
	for _, run := range running {
		if run.ZoneNumber == zoneNumber {
			c.finalizeLocked(run, zone.Pin, model.StatusCancelled, "stopped")
			return nil
		}
	}

	log.Debug().Int("zone", zoneNumber).Msg("Stop on idle zone is a no-op")
	return nil
}

// StopAll cancels every running run and returns how many it cancelled. Used
// by the rain-delay coordinator, the emergency stop, and shutdown.
func (c *Controller) StopAll(reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	running, err := db.GetRunningRuns(c.dbConn)
	if err != nil {
		log.Error().Err(err).Msg("Could not retrieve running runs to stop")
		return 0
	}

	for _, run := range running {
		zone, err := db.GetZoneByNumber(c.dbConn, run.ZoneNumber)
		if err != nil {
			log.Error().Err(err).Int("zone", run.ZoneNumber).Msg("Could not resolve zone for running run")
			continue
		}
		c.finalizeLocked(run, zone.Pin, model.StatusCancelled, reason)
	}

	return len(running)
}

// Done returns a channel closed when the run reaches a terminal state. For a
// run id the controller no longer tracks, the channel is already closed.
func (c *Controller) Done(runID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.done[runID]; ok {
		return ch
	}
	return closedDone
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// complete is the timer callback. The status re-check under the mutex makes a
// late or duplicate wake-up on an already-stopped run a no-op.
func (c *Controller) complete(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := db.GetRunByID(c.dbConn, runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Timer fired for unknown run")
		return
	}
	if run.Status != model.StatusRunning {
		return
	}

	zone, err := db.GetZoneByNumber(c.dbConn, run.ZoneNumber)
	if err != nil {
		log.Error().Err(err).Int("zone", run.ZoneNumber).Msg("Could not resolve zone for completing run")
		return
	}

	c.finalizeLocked(*run, zone.Pin, model.StatusCompleted, "completed")
}

// finalizeLocked moves a running run to a terminal state. The pin is
// de-energized before any bookkeeping; if the hardware call fails the run is
// still finalized and the unconfirmed failure is reported as a fault, so a
// zone can never stay stuck running.
func (c *Controller) finalizeLocked(run model.ZoneRun, pin model.GPIOPin, status model.RunStatus, reason string) {
	if cancel, ok := c.cancels[run.ID]; ok {
		cancel()
		delete(c.cancels, run.ID)
	}

	if err := c.driver.Deenergize(pin); err != nil {
		datadog.Count("actuator_failures", 1)
		log.Error().
			Err(err).
			Int("pin", pin.Number).
			Int("zone", run.ZoneNumber).
			Msg("Failed to de-energize pin, finalizing run anyway")
		c.notify("Actuator fault", fmt.Sprintf("Could not confirm pin %d off for zone %d, check the valve", pin.Number, run.ZoneNumber))
	}

	if err := db.FinalizeRun(c.dbConn, run.ID, run.ZoneNumber, status, c.now()); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to finalize run record")
	}

	if ch, ok := c.done[run.ID]; ok {
		close(ch)
		delete(c.done, run.ID)
	}

	log.Info().
		Int("zone", run.ZoneNumber).
		Str("run_id", run.ID).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("Zone run finished")

	zoneTag := fmt.Sprintf("zone:%d", run.ZoneNumber)
	switch status {
	case model.StatusCompleted:
		datadog.Count("runs_completed", 1, zoneTag)
		c.notify("Zone completed", fmt.Sprintf("Zone %d finished its %d minute run", run.ZoneNumber, run.DurationMinutes))
	case model.StatusCancelled:
		datadog.Count("runs_cancelled", 1, zoneTag, "reason:"+reason)
		c.notify("Zone stopped", fmt.Sprintf("Zone %d run stopped (%s)", run.ZoneNumber, reason))
	}
	c.gaugeActiveLocked()
}

func (c *Controller) gaugeActiveLocked() {
	running, err := db.GetRunningRuns(c.dbConn)
	if err != nil {
		return
	}
	datadog.Gauge("active_runs", float64(len(running)))
}

func (c *Controller) notify(title, message string) {
	if err := c.notifier.Send(title, message); err != nil {
		log.Warn().Err(err).Str("title", title).Msg("Failed to send notification")
	}
}
