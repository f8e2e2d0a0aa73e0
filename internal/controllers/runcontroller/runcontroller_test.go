package runcontroller

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/actuator"
	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
	"github.com/thatsimonsguy/sprinkler-controller/internal/policy"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

// fakeClock is a controllable clock and timer source. Fire runs a timer
// callback the way time.AfterFunc would, honoring Stop.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Schedule(d time.Duration, f func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return func() {
		c.mu.Lock()
		t.stopped = true
		c.mu.Unlock()
	}
}

func (c *fakeClock) Fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	stopped := t.stopped
	c.mu.Unlock()
	if !stopped {
		t.f()
	}
}

// FireLate runs the callback even after Stop, simulating a wake-up that was
// already in flight when the timer was cancelled.
func (c *fakeClock) FireLate(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.f()
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingNotifier) Send(title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingNotifier) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

type failingDriver struct{}

func (failingDriver) Name() string                          { return "failing" }
func (failingDriver) Energize(pin model.GPIOPin) error      { return &actuator.Error{Op: "energize", Pin: pin.Number, Err: errors.New("no response")} }
func (failingDriver) Deenergize(pin model.GPIOPin) error    { return &actuator.Error{Op: "deenergize", Pin: pin.Number, Err: errors.New("no response")} }

var testLimits = policy.Limits{
	MinDurationMinutes:         1,
	MaxDurationMinutes:         720,
	MaxConcurrentZones:         4,
	MinBreakBetweenRunsMinutes: 15,
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbConn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dbConn.Close() })
	require.NoError(t, db.EnsureSchema(dbConn))

	pins := []int{12, 16, 20, 21, 26}
	for i, pin := range pins {
		require.NoError(t, db.InsertZone(dbConn, model.Zone{
			Number:                 i + 1,
			Name:                   "zone",
			Pin:                    model.GPIOPin{Number: pin, ActiveHigh: true},
			Enabled:                true,
			DefaultDurationMinutes: 10,
		}))
	}

	_, err = dbConn.Exec(`INSERT INTO system_status (id, rain_delay_active) VALUES (1, FALSE)`)
	require.NoError(t, err)
	return dbConn
}

func setup(t *testing.T) (*Controller, *sql.DB, *actuator.Sim, *fakeClock, *recordingNotifier) {
	t.Helper()

	dbConn := setupTestDB(t)
	sim := actuator.NewSim()
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	validator := &policy.Validator{
		Limits:     testLimits,
		PinAllowed: func(pin int) bool { return pin != 2 },
	}
	c := NewForTest(dbConn, validator, sim, notifier, &TestDeps{
		Now:      clock.Now,
		Schedule: clock.Schedule,
	})
	return c, dbConn, sim, clock, notifier
}

func TestStart(t *testing.T) {
	c, dbConn, sim, _, notifier := setup(t)

	receipt, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)
	assert.Equal(t, 10, receipt.MinutesLeft)
	assert.True(t, sim.Active(12))

	run, err := db.GetRunByID(dbConn, receipt.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, run.Status)
	assert.Equal(t, model.SourceManual, run.Source.Type)
	assert.Equal(t, 10*time.Minute, run.EndsAt.Sub(run.StartedAt))

	zone, err := db.GetZoneByNumber(dbConn, 1)
	require.NoError(t, err)
	require.NotNil(t, zone.CurrentRunID)
	assert.Equal(t, receipt.RunID, *zone.CurrentRunID)

	assert.Equal(t, []string{"Zone started"}, notifier.Titles())
}

func TestStart_DefaultDuration(t *testing.T) {
	c, _, _, _, _ := setup(t)

	receipt, err := c.Start(1, 0, model.ManualSource())
	require.NoError(t, err)
	assert.Equal(t, 10, receipt.MinutesLeft)
}

func TestStart_UnknownZone(t *testing.T) {
	c, _, _, _, _ := setup(t)

	_, err := c.Start(99, 10, model.ManualSource())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestTimerCompletesRun(t *testing.T) {
	c, dbConn, sim, clock, notifier := setup(t)

	receipt, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	clock.Fire(0)

	run, err := db.GetRunByID(dbConn, receipt.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.False(t, sim.Active(12))

	select {
	case <-c.Done(receipt.RunID):
	default:
		t.Fatal("done channel not closed after completion")
	}

	assert.Equal(t, []string{"Zone started", "Zone completed"}, notifier.Titles())
}

func TestStopCancelsRun(t *testing.T) {
	c, dbConn, sim, clock, notifier := setup(t)

	receipt, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)

	require.NoError(t, c.Stop(1))

	run, err := db.GetRunByID(dbConn, receipt.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, run.Status)
	assert.False(t, sim.Active(12))

	// The disarmed timer must not fire.
	clock.Fire(0)
	run, err = db.GetRunByID(dbConn, receipt.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, run.Status)

	assert.Equal(t, []string{"Zone started", "Zone stopped"}, notifier.Titles())
}

func TestStop_Idempotent(t *testing.T) {
	c, _, _, _, _ := setup(t)

	require.NoError(t, c.Stop(1))

	_, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)
	require.NoError(t, c.Stop(1))
	require.NoError(t, c.Stop(1))
}

func TestLateTimerWakeupIsNoOp(t *testing.T) {
	c, dbConn, _, clock, notifier := setup(t)

	receipt, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)
	require.NoError(t, c.Stop(1))

	cancelledAt := clock.Now()
	clock.Advance(time.Hour)
	clock.FireLate(0)

	run, err := db.GetRunByID(dbConn, receipt.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.WithinDuration(t, cancelledAt, *run.CompletedAt, time.Second)

	// No extra terminal notification from the duplicate wake-up.
	assert.Equal(t, []string{"Zone started", "Zone stopped"}, notifier.Titles())
}

func TestStart_SupersedesRunningZone(t *testing.T) {
	c, dbConn, sim, _, _ := setup(t)

	first, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)

	second, err := c.Start(1, 20, model.ManualSource())
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	firstRun, err := db.GetRunByID(dbConn, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, firstRun.Status)

	running, err := db.GetRunningRuns(dbConn)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.RunID, running[0].ID)
	assert.True(t, sim.Active(12))
}

func TestStart_ActuatorFailureLeavesNoRecord(t *testing.T) {
	dbConn := setupTestDB(t)
	clock := newFakeClock()
	validator := &policy.Validator{Limits: testLimits, PinAllowed: func(int) bool { return true }}
	c := NewForTest(dbConn, validator, failingDriver{}, &recordingNotifier{}, &TestDeps{
		Now:      clock.Now,
		Schedule: clock.Schedule,
	})

	_, err := c.Start(1, 10, model.ManualSource())
	require.Error(t, err)

	var actErr *actuator.Error
	assert.True(t, errors.As(err, &actErr))

	running, err := db.GetRunningRuns(dbConn)
	require.NoError(t, err)
	assert.Empty(t, running)
	assert.Empty(t, clock.timers)
}

func TestStop_DeenergizeFailureStillFinalizes(t *testing.T) {
	dbConn := setupTestDB(t)
	sim := actuator.NewSim()
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	validator := &policy.Validator{Limits: testLimits, PinAllowed: func(int) bool { return true }}
	c := NewForTest(dbConn, validator, sim, notifier, &TestDeps{Now: clock.Now, Schedule: clock.Schedule})

	receipt, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)

	// Swap in a driver whose de-energize fails mid-run.
	c.driver = failingDriver{}
	require.NoError(t, c.Stop(1))

	run, err := db.GetRunByID(dbConn, receipt.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, run.Status)
	assert.Contains(t, notifier.Titles(), "Actuator fault")
}

func TestStart_RainDelayRejected(t *testing.T) {
	c, dbConn, _, clock, _ := setup(t)

	endsAt := clock.Now().Add(12 * time.Hour)
	require.NoError(t, db.SetRainDelay(dbConn, true, &endsAt))

	_, err := c.Start(1, 10, model.ManualSource())
	require.Error(t, err)
	assert.True(t, errors.Is(err, policy.ErrRainDelayActive))

	// Once the window passes, an identical request succeeds without any
	// explicit deactivation.
	clock.Advance(13 * time.Hour)
	_, err = c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)
}

func TestConcurrencyLimit(t *testing.T) {
	c, _, _, _, _ := setup(t)

	for zone := 1; zone <= 4; zone++ {
		_, err := c.Start(zone, 10, model.ManualSource())
		require.NoError(t, err)
	}

	_, err := c.Start(5, 10, model.ManualSource())
	require.Error(t, err)
	assert.True(t, errors.Is(err, policy.ErrConcurrencyLimit))

	require.NoError(t, c.Stop(2))

	_, err = c.Start(5, 10, model.ManualSource())
	require.NoError(t, err)
}

func TestCooldownBetweenRuns(t *testing.T) {
	c, _, _, clock, _ := setup(t)

	_, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)
	require.NoError(t, c.Stop(1))

	_, err = c.Start(1, 10, model.ManualSource())
	require.Error(t, err)
	assert.True(t, errors.Is(err, policy.ErrTooSoon))

	clock.Advance(16 * time.Minute)
	_, err = c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)
}

func TestStopAll(t *testing.T) {
	c, dbConn, sim, _, _ := setup(t)

	_, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)
	_, err = c.Start(2, 10, model.ManualSource())
	require.NoError(t, err)

	cancelled := c.StopAll("rain delay")
	assert.Equal(t, 2, cancelled)

	running, err := db.GetRunningRuns(dbConn)
	require.NoError(t, err)
	assert.Empty(t, running)
	assert.False(t, sim.Active(12))
	assert.False(t, sim.Active(16))
}

// At most one running run per zone after any sequence of operations.
func TestSingleRunningRunInvariant(t *testing.T) {
	c, dbConn, _, clock, _ := setup(t)

	_, err := c.Start(1, 10, model.ManualSource())
	require.NoError(t, err)
	_, err = c.Start(1, 20, model.ManualSource())
	require.NoError(t, err)
	_, err = c.Start(2, 5, model.ManualSource())
	require.NoError(t, err)
	require.NoError(t, c.Stop(2))
	clock.Advance(16 * time.Minute)
	_, err = c.Start(2, 5, model.ManualSource())
	require.NoError(t, err)

	running, err := db.GetRunningRuns(dbConn)
	require.NoError(t, err)

	perZone := map[int]int{}
	for _, r := range running {
		perZone[r.ZoneNumber]++
	}
	for zone, count := range perZone {
		assert.Equal(t, 1, count, "zone %d has %d running runs", zone, count)
	}
}
