package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

var testLimits = Limits{
	MinDurationMinutes:         1,
	MaxDurationMinutes:         720,
	MaxConcurrentZones:         4,
	MinBreakBetweenRunsMinutes: 15,
}

func allowAll(pin int) bool { return pin != 2 }

func testZone(number int) model.Zone {
	return model.Zone{
		Number:                 number,
		Name:                   "test zone",
		Pin:                    model.GPIOPin{Number: 12, ActiveHigh: true},
		Enabled:                true,
		DefaultDurationMinutes: 10,
	}
}

func runningRun(zone int) model.ZoneRun {
	return model.ZoneRun{ID: "run", ZoneNumber: zone, Status: model.StatusRunning}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	past := now.Add(-1 * time.Hour)
	future := now.Add(1 * time.Hour)
	recent := now.Add(-5 * time.Minute)

	disabledZone := testZone(1)
	disabledZone.Enabled = false

	unsafeZone := testZone(1)
	unsafeZone.Pin.Number = 2

	cases := []struct {
		name    string
		req     Request
		snap    Snapshot
		wantErr error
	}{
		{
			name: "accepted",
			req:  Request{Zone: testZone(1), DurationMinutes: 10, Source: model.ManualSource()},
			snap: Snapshot{Now: now},
		},
		{
			name:    "disabled zone",
			req:     Request{Zone: disabledZone, DurationMinutes: 10},
			snap:    Snapshot{Now: now},
			wantErr: ErrZoneDisabled,
		},
		{
			name:    "duration too short",
			req:     Request{Zone: testZone(1), DurationMinutes: 0},
			snap:    Snapshot{Now: now},
			wantErr: ErrInvalidDuration,
		},
		{
			name:    "duration too long",
			req:     Request{Zone: testZone(1), DurationMinutes: 721},
			snap:    Snapshot{Now: now},
			wantErr: ErrInvalidDuration,
		},
		{
			name: "rain delay active",
			req:  Request{Zone: testZone(1), DurationMinutes: 10},
			snap: Snapshot{
				Status: model.SystemStatus{RainDelayActive: true, RainDelayEndsAt: &future},
				Now:    now,
			},
			wantErr: ErrRainDelayActive,
		},
		{
			name: "rain delay expired lazily",
			req:  Request{Zone: testZone(1), DurationMinutes: 10},
			snap: Snapshot{
				Status: model.SystemStatus{RainDelayActive: true, RainDelayEndsAt: &past},
				Now:    now,
			},
		},
		{
			name:    "unsafe pin",
			req:     Request{Zone: unsafeZone, DurationMinutes: 10},
			snap:    Snapshot{Now: now},
			wantErr: ErrUnsafePin,
		},
		{
			name: "concurrency limit",
			req:  Request{Zone: testZone(5), DurationMinutes: 10},
			snap: Snapshot{
				RunningRuns: []model.ZoneRun{runningRun(1), runningRun(2), runningRun(3), runningRun(4)},
				Now:         now,
			},
			wantErr: ErrConcurrencyLimit,
		},
		{
			name: "concurrency excludes superseded own run",
			req:  Request{Zone: testZone(4), DurationMinutes: 10, Supersede: true},
			snap: Snapshot{
				RunningRuns: []model.ZoneRun{runningRun(1), runningRun(2), runningRun(3), runningRun(4)},
				Now:         now,
			},
		},
		{
			name: "cooldown",
			req:  Request{Zone: testZone(1), DurationMinutes: 10},
			snap: Snapshot{LastTerminal: &recent, Now: now},
			wantErr: ErrTooSoon,
		},
		{
			name: "cooldown bypassed on supersede",
			req:  Request{Zone: testZone(1), DurationMinutes: 10, Supersede: true},
			snap: Snapshot{
				RunningRuns:  []model.ZoneRun{runningRun(1)},
				LastTerminal: &recent,
				Now:          now,
			},
		},
		{
			name: "cooldown elapsed",
			req:  Request{Zone: testZone(1), DurationMinutes: 10},
			snap: Snapshot{LastTerminal: &past, Now: now},
		},
	}

	v := &Validator{Limits: testLimits, PinAllowed: allowAll}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.req, tc.snap)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestValidate_CheckOrder(t *testing.T) {
	// A request failing multiple checks reports the first failing one.
	zone := testZone(1)
	zone.Enabled = false
	zone.Pin.Number = 2

	future := time.Now().Add(time.Hour)
	snap := Snapshot{
		Status: model.SystemStatus{RainDelayActive: true, RainDelayEndsAt: &future},
		Now:    time.Now(),
	}

	v := &Validator{Limits: testLimits, PinAllowed: allowAll}
	err := v.Validate(Request{Zone: zone, DurationMinutes: 0}, snap)
	assert.ErrorIs(t, err, ErrZoneDisabled)
}

func TestRainDelayInEffect(t *testing.T) {
	now := time.Now()
	past := now.Add(-1 * time.Minute)
	future := now.Add(1 * time.Minute)

	assert.False(t, RainDelayInEffect(model.SystemStatus{}, now))
	assert.True(t, RainDelayInEffect(model.SystemStatus{RainDelayActive: true, RainDelayEndsAt: &future}, now))
	assert.False(t, RainDelayInEffect(model.SystemStatus{RainDelayActive: true, RainDelayEndsAt: &past}, now))
	assert.False(t, RainDelayInEffect(model.SystemStatus{RainDelayActive: true, RainDelayEndsAt: &now}, now))
	assert.True(t, RainDelayInEffect(model.SystemStatus{RainDelayActive: true}, now), "no ends-at means active until cleared")
}

func TestReason(t *testing.T) {
	v := &Validator{Limits: testLimits, PinAllowed: allowAll}

	err := v.Validate(Request{Zone: testZone(1), DurationMinutes: 9999}, Snapshot{Now: time.Now()})
	require.Error(t, err)
	assert.Equal(t, "invalid_duration", Reason(err))

	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "", Reason(assert.AnError))
}
