package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

// Rejection reasons, surfaced verbatim to the caller. Wrap-checked with
// errors.Is by the API layer and the schedule dispatcher.
var (
	ErrZoneDisabled     = errors.New("zone is disabled")
	ErrInvalidDuration  = errors.New("duration out of range")
	ErrRainDelayActive  = errors.New("rain delay is active")
	ErrUnsafePin        = errors.New("pin is not a safe valve pin")
	ErrConcurrencyLimit = errors.New("too many zones running")
	ErrTooSoon          = errors.New("zone cooldown has not elapsed")
)

type Limits struct {
	MinDurationMinutes         int
	MaxDurationMinutes         int
	MaxConcurrentZones         int
	MinBreakBetweenRunsMinutes int
}

// Request is one activation request, fully resolved: the zone row has been
// loaded and the duration defaulted before validation.
type Request struct {
	Zone            model.Zone
	DurationMinutes int
	Source          model.RunSource

	// Supersede marks a stop-then-restart of a zone that is currently
	// running. The zone's own run is excluded from the concurrency count
	// and the cooldown check is skipped.
	Supersede bool
}

// Snapshot carries the dynamic state a decision is made against. The caller
// is responsible for reading it under the same lock that serializes starts.
type Snapshot struct {
	Status       model.SystemStatus
	RunningRuns  []model.ZoneRun
	LastTerminal *time.Time
	Now          time.Time
}

type Validator struct {
	Limits     Limits
	PinAllowed func(pin int) bool
}

// Validate checks an activation request against the snapshot. Checks run in a
// fixed order and the first failure is returned; nil means accepted. Validate
// has no side effects.
func (v *Validator) Validate(req Request, snap Snapshot) error {
	if !req.Zone.Enabled {
		return fmt.Errorf("zone %d (%s): %w", req.Zone.Number, req.Zone.Name, ErrZoneDisabled)
	}

	if req.DurationMinutes < v.Limits.MinDurationMinutes || req.DurationMinutes > v.Limits.MaxDurationMinutes {
		return fmt.Errorf("duration %dm outside [%dm, %dm]: %w",
			req.DurationMinutes, v.Limits.MinDurationMinutes, v.Limits.MaxDurationMinutes, ErrInvalidDuration)
	}

	if RainDelayInEffect(snap.Status, snap.Now) {
		until := "manually deactivated"
		if snap.Status.RainDelayEndsAt != nil {
			until = snap.Status.RainDelayEndsAt.Format(time.RFC3339)
		}
		return fmt.Errorf("rain delay active until %s: %w", until, ErrRainDelayActive)
	}

	// Re-checked on every request even though zone creation and update
	// already enforce it.
	if v.PinAllowed == nil || !v.PinAllowed(req.Zone.Pin.Number) {
		return fmt.Errorf("pin %d: %w", req.Zone.Pin.Number, ErrUnsafePin)
	}

	running := 0
	for _, r := range snap.RunningRuns {
		if req.Supersede && r.ZoneNumber == req.Zone.Number {
			continue
		}
		running++
	}
	if running >= v.Limits.MaxConcurrentZones {
		return fmt.Errorf("%d zones already running (max %d): %w",
			running, v.Limits.MaxConcurrentZones, ErrConcurrencyLimit)
	}

	if !req.Supersede && snap.LastTerminal != nil {
		minBreak := time.Duration(v.Limits.MinBreakBetweenRunsMinutes) * time.Minute
		sinceLast := snap.Now.Sub(*snap.LastTerminal)
		if sinceLast < minBreak {
			return fmt.Errorf("zone %d last ran %s ago (min break %s): %w",
				req.Zone.Number, sinceLast.Round(time.Second), minBreak, ErrTooSoon)
		}
	}

	return nil
}

// RainDelayInEffect reports whether a rain delay currently blocks activation.
// An active flag whose ends-at has passed counts as expired; the stored flag
// is left for the coordinator or a manual deactivation to clear.
func RainDelayInEffect(status model.SystemStatus, now time.Time) bool {
	if !status.RainDelayActive {
		return false
	}
	if status.RainDelayEndsAt != nil && !now.Before(*status.RainDelayEndsAt) {
		return false
	}
	return true
}

// Reason maps a rejection to a short tag for metrics and logs. Empty for
// errors that are not policy rejections.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrZoneDisabled):
		return "zone_disabled"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrRainDelayActive):
		return "rain_delay_active"
	case errors.Is(err, ErrUnsafePin):
		return "unsafe_pin"
	case errors.Is(err, ErrConcurrencyLimit):
		return "concurrency_limit"
	case errors.Is(err, ErrTooSoon):
		return "too_soon"
	default:
		return ""
	}
}
