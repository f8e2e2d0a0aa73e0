package schedulecontroller

import (
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/controllers/runcontroller"
	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
	"github.com/thatsimonsguy/sprinkler-controller/internal/policy"
)

type startCall struct {
	zone    int
	minutes int
	source  model.RunSource
}

// fakeRunner completes (or cancels) each accepted run immediately, writing
// real run rows so the dispatcher's read-back sees terminal state.
type fakeRunner struct {
	mu          sync.Mutex
	dbConn      *sql.DB
	calls       []startCall
	rejects     map[int]error
	cancelZones map[int]bool
}

func newFakeRunner(dbConn *sql.DB) *fakeRunner {
	return &fakeRunner{
		dbConn:      dbConn,
		rejects:     make(map[int]error),
		cancelZones: make(map[int]bool),
	}
}

func (f *fakeRunner) Start(zone, minutes int, source model.RunSource) (runcontroller.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, startCall{zone: zone, minutes: minutes, source: source})
	if err := f.rejects[zone]; err != nil {
		return runcontroller.Receipt{}, err
	}

	now := time.Now()
	run := model.ZoneRun{
		ID:              fmt.Sprintf("run-%d-%d", zone, len(f.calls)),
		ZoneNumber:      zone,
		DurationMinutes: minutes,
		Source:          source,
		StartedAt:       now,
		EndsAt:          now.Add(time.Duration(minutes) * time.Minute),
		Status:          model.StatusRunning,
	}
	if err := db.InsertRun(f.dbConn, run); err != nil {
		return runcontroller.Receipt{}, err
	}

	status := model.StatusCompleted
	if f.cancelZones[zone] {
		status = model.StatusCancelled
	}
	if err := db.FinalizeRun(f.dbConn, run.ID, zone, status, now); err != nil {
		return runcontroller.Receipt{}, err
	}

	return runcontroller.Receipt{RunID: run.ID, ZoneNumber: zone, MinutesLeft: minutes}, nil
}

func (f *fakeRunner) Done(runID string) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (f *fakeRunner) Calls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.calls...)
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbConn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dbConn.Close() })
	require.NoError(t, db.EnsureSchema(dbConn))

	pins := []int{12, 16, 20}
	for i, pin := range pins {
		require.NoError(t, db.InsertZone(dbConn, model.Zone{
			Number:                 i + 1,
			Name:                   fmt.Sprintf("zone %d", i+1),
			Pin:                    model.GPIOPin{Number: pin, ActiveHigh: true},
			Enabled:                true,
			DefaultDurationMinutes: 10,
		}))
	}
	return dbConn
}

func threeStepSchedule() model.Schedule {
	s := mornings(time.Saturday)
	s.Steps = []model.ScheduleStep{
		{ScheduleID: s.ID, ZoneNumber: 1, StepOrder: 1, DurationMinutes: 10},
		{ScheduleID: s.ID, ZoneNumber: 2, StepOrder: 2, DurationMinutes: 15},
		{ScheduleID: s.ID, ZoneNumber: 3, StepOrder: 3, DurationMinutes: 5},
	}
	return s
}

func TestDue(t *testing.T) {
	// 2024-06-01 06:00 UTC is a Saturday morning.
	start := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	fired := start.Add(time.Minute)

	base := mornings(time.Saturday)

	disabled := base
	disabled.Enabled = false

	alreadyFired := base
	alreadyFired.LastRun = &fired

	firedLastWeek := base
	lastWeek := start.AddDate(0, 0, -7)
	firedLastWeek.LastRun = &lastWeek

	cases := []struct {
		name     string
		schedule model.Schedule
		now      time.Time
		want     bool
	}{
		{"fires at start time", base, start, true},
		{"fires within window", base, start.Add(5 * time.Minute), true},
		{"not before start", base, start.Add(-time.Minute), false},
		{"not after window", base, start.Add(fireWindow + time.Minute), false},
		{"wrong weekday", base, start.AddDate(0, 0, 1), false},
		{"disabled", disabled, start, false},
		{"already fired this occurrence", alreadyFired, start.Add(2 * time.Minute), false},
		{"fired last week, due again", firedLastWeek, start, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, due(tc.schedule, tc.now))
		})
	}
}

func TestRunOccurrence_SequentialSteps(t *testing.T) {
	dbConn := setupTestDB(t)
	runner := newFakeRunner(dbConn)
	d := New(dbConn, runner)

	s := threeStepSchedule()
	d.runOccurrence(s)

	calls := runner.Calls()
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.Equal(t, i+1, call.zone)
		assert.Equal(t, model.SourceSchedule, call.source.Type)
		assert.Equal(t, s.ID, call.source.ScheduleID)
		assert.Equal(t, i+1, call.source.StepOrder)
	}
}

func TestRunOccurrence_SkipsDisabledZone(t *testing.T) {
	dbConn := setupTestDB(t)
	runner := newFakeRunner(dbConn)
	d := New(dbConn, runner)

	zone, err := db.GetZoneByNumber(dbConn, 2)
	require.NoError(t, err)
	zone.Enabled = false
	require.NoError(t, db.UpdateZone(dbConn, *zone))

	d.runOccurrence(threeStepSchedule())

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].zone)
	assert.Equal(t, 3, calls[1].zone)
}

func TestRunOccurrence_RainDelayAbortsRemainder(t *testing.T) {
	dbConn := setupTestDB(t)
	runner := newFakeRunner(dbConn)
	runner.rejects[2] = policy.ErrRainDelayActive
	d := New(dbConn, runner)

	d.runOccurrence(threeStepSchedule())

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].zone)
	assert.Equal(t, 2, calls[1].zone)
}

func TestRunOccurrence_OtherRejectionSkipsStep(t *testing.T) {
	dbConn := setupTestDB(t)
	runner := newFakeRunner(dbConn)
	runner.rejects[2] = policy.ErrTooSoon
	d := New(dbConn, runner)

	d.runOccurrence(threeStepSchedule())

	calls := runner.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 3, calls[2].zone)
}

func TestRunOccurrence_CancelledRunAbortsRemainder(t *testing.T) {
	dbConn := setupTestDB(t)
	runner := newFakeRunner(dbConn)
	runner.cancelZones[1] = true
	d := New(dbConn, runner)

	d.runOccurrence(threeStepSchedule())

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].zone)
}

func TestRunOccurrence_MalformedTimelineDoesNotRun(t *testing.T) {
	dbConn := setupTestDB(t)
	runner := newFakeRunner(dbConn)
	d := New(dbConn, runner)

	s := threeStepSchedule()
	s.Steps[1].StepOrder = 1 // duplicate
	d.runOccurrence(s)

	assert.Empty(t, runner.Calls())
}

func TestTick_FiresDueScheduleOnce(t *testing.T) {
	dbConn := setupTestDB(t)
	runner := newFakeRunner(dbConn)

	now := time.Date(2024, 6, 1, 6, 0, 30, 0, time.UTC) // Saturday 06:00:30
	d := NewForTest(dbConn, runner, func() time.Time { return now })

	s := threeStepSchedule()
	require.NoError(t, db.InsertSchedule(dbConn, s))

	d.Tick()

	require.Eventually(t, func() bool {
		return len(runner.Calls()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := db.GetScheduleByID(dbConn, s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRun)
	assert.WithinDuration(t, now, *stored.LastRun, time.Second)

	// The same occurrence does not fire twice.
	d.Tick()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, runner.Calls(), 3)
}
