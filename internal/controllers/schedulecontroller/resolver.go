package schedulecontroller

import (
	"fmt"
	"sort"
	"time"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

// TimelineStep is one zone activation within a schedule occurrence, as an
// offset from the schedule's start time.
type TimelineStep struct {
	ZoneNumber      int
	StepOrder       int
	StartOffset     time.Duration
	EndOffset       time.Duration
	DurationMinutes int
}

// NextOccurrence returns the earliest time strictly after now at which the
// schedule fires: the first weekday in the schedule's day set whose
// combination with the start time is still in the future, wrapping to next
// week. Returns false when the schedule has no days.
func NextOccurrence(s model.Schedule, now time.Time) (time.Time, bool) {
	if len(s.Days) == 0 {
		return time.Time{}, false
	}

	// Today's start time may already have passed, so the same weekday next
	// week is a candidate too.
	for offset := 0; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		if !containsDay(s.Days, day.Weekday()) {
			continue
		}
		candidate := s.StartTime.On(day)
		if candidate.After(now) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// BuildTimeline lays the schedule's steps out back to back in stepOrder:
// each step starts where the previous one ends, so no two steps ever
// overlap. Malformed step ordering (duplicate stepOrder) is rejected.
func BuildTimeline(s model.Schedule) ([]TimelineStep, error) {
	steps := make([]model.ScheduleStep, len(s.Steps))
	copy(steps, s.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })

	seen := make(map[int]bool, len(steps))
	timeline := make([]TimelineStep, 0, len(steps))
	var offset time.Duration

	for _, st := range steps {
		if seen[st.StepOrder] {
			return nil, fmt.Errorf("schedule %s has duplicate step order %d", s.ID, st.StepOrder)
		}
		seen[st.StepOrder] = true

		if st.DurationMinutes <= 0 {
			return nil, fmt.Errorf("schedule %s step %d has non-positive duration %d", s.ID, st.StepOrder, st.DurationMinutes)
		}

		d := time.Duration(st.DurationMinutes) * time.Minute
		timeline = append(timeline, TimelineStep{
			ZoneNumber:      st.ZoneNumber,
			StepOrder:       st.StepOrder,
			StartOffset:     offset,
			EndOffset:       offset + d,
			DurationMinutes: st.DurationMinutes,
		})
		offset += d
	}

	return timeline, nil
}

// TotalDuration is the span of one occurrence: the sum of its step durations.
func TotalDuration(s model.Schedule) time.Duration {
	var total time.Duration
	for _, st := range s.Steps {
		total += time.Duration(st.DurationMinutes) * time.Minute
	}
	return total
}

func containsDay(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
