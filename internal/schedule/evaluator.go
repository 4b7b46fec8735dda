package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
)

type StopPolicy string

const (
	// StopExact fires the stop only when now+lookahead lands exactly on the end instant.
	StopExact StopPolicy = "exact"
	// StopWindow fires the stop when the end falls inside (now, now+lookahead].
	StopWindow StopPolicy = "window"
)

func ParseStopPolicy(s string) (StopPolicy, error) {
	switch StopPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StopExact:
		return StopExact, nil
	case StopWindow:
		return StopWindow, nil
	default:
		return "", fmt.Errorf("unknown stop policy %q", s)
	}
}

// Evaluator decides which transitions are due. It never reads the clock.
type Evaluator struct {
	Stop StopPolicy
}

func NewEvaluator(stop StopPolicy) Evaluator {
	if stop == "" {
		stop = StopExact
	}
	return Evaluator{Stop: stop}
}

func (e Evaluator) StartDue(now time.Time, lookahead time.Duration, start time.Time) bool {
	horizon := now.Add(lookahead)
	return now.Before(start) && start.Before(horizon)
}

func (e Evaluator) StopDue(now time.Time, lookahead time.Duration, end time.Time) bool {
	horizon := now.Add(lookahead)
	if e.Stop == StopWindow {
		return now.Before(end) && !end.After(horizon)
	}
	return horizon.Equal(end)
}

// DueTransitions returns transitions in schedule order, ON before OFF within a
// schedule, devices in listed order. Duplicates across schedules are kept.
func (e Evaluator) DueTransitions(now time.Time, lookahead time.Duration, schedules []model.Schedule) []model.Transition {
	var out []model.Transition
	for _, s := range schedules {
		if e.StartDue(now, lookahead, s.StartTime) {
			out = appendAll(out, s, model.PowerOn, s.StartTime)
		}
		if e.StopDue(now, lookahead, s.EndTime) {
			out = appendAll(out, s, model.PowerOff, s.EndTime)
		}
	}
	return out
}

func appendAll(out []model.Transition, s model.Schedule, target model.PowerState, due time.Time) []model.Transition {
	for _, id := range s.DeviceIDs {
		out = append(out, model.Transition{
			DeviceID:   id,
			OwnerID:    s.OwnerID,
			Target:     target,
			ScheduleID: s.ID,
			DueAt:      due,
		})
	}
	return out
}
