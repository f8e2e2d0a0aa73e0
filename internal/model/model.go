package model

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusCancelled RunStatus = "cancelled"
)

type SourceType string

const (
	SourceManual   SourceType = "manual"
	SourceSchedule SourceType = "schedule"
)

// RunSource records where an activation came from. ScheduleID and StepOrder
// are only meaningful when Type == SourceSchedule.
type RunSource struct {
	Type       SourceType `json:"type"`
	ScheduleID string     `json:"schedule_id,omitempty"`
	StepOrder  int        `json:"step_order,omitempty"`
}

func ManualSource() RunSource {
	return RunSource{Type: SourceManual}
}

func ScheduleSource(scheduleID string, stepOrder int) RunSource {
	return RunSource{Type: SourceSchedule, ScheduleID: scheduleID, StepOrder: stepOrder}
}

type Zone struct {
	Number                 int     `json:"number"`
	Name                   string  `json:"name"`
	Pin                    GPIOPin `json:"pin"`
	Enabled                bool    `json:"enabled"`
	DefaultDurationMinutes int     `json:"default_duration_minutes"`
	CurrentRunID           *string `json:"current_run_id,omitempty"`
}

// ZoneRun is one time-bounded activation of a zone. Status transitions are
// running -> completed (timer fired) or running -> cancelled (stopped,
// superseded, or suspended). Terminal rows are never mutated again.
type ZoneRun struct {
	ID              string     `json:"id"`
	ZoneNumber      int        `json:"zone_number"`
	DurationMinutes int        `json:"duration_minutes"`
	Source          RunSource  `json:"source"`
	StartedAt       time.Time  `json:"started_at"`
	EndsAt          time.Time  `json:"ends_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          RunStatus  `json:"status"`
}

type Schedule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	StartTime TimeOfDay      `json:"start_time"`
	Days      []time.Weekday `json:"days"`
	Enabled   bool           `json:"enabled"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	Steps     []ScheduleStep `json:"steps"`
}

type ScheduleStep struct {
	ScheduleID      string `json:"schedule_id"`
	ZoneNumber      int    `json:"zone_number"`
	StepOrder       int    `json:"step_order"`
	DurationMinutes int    `json:"duration_minutes"`
}

type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the clock time t on the calendar day of d, in d's location.
func (t TimeOfDay) On(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, d.Location())
}

type SystemStatus struct {
	RainDelayActive bool       `json:"rain_delay_active"`
	RainDelayEndsAt *time.Time `json:"rain_delay_ends_at,omitempty"`
}

type GPIOPin struct {
	Number     int
	ActiveHigh bool
}
