package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Workout types accepted by start_workout.
const (
	WorkoutJustRow       = "just_row"
	WorkoutFixedDistance = "fixed_distance"
	WorkoutFixedTime     = "fixed_time"
)

// WorkoutParams contains parameters for starting a workout.
type WorkoutParams struct {
	WorkoutType   string `json:"workout_type"`
	Distance      uint32 `json:"distance,omitempty"`       // meters (fixed_distance)
	Time          uint32 `json:"time,omitempty"`           // seconds (fixed_time)
	SplitDistance uint32 `json:"split_distance,omitempty"` // meters
	SplitTime     uint32 `json:"split_time,omitempty"`     // seconds
}

// Validate checks that the parameters describe a workout that can be started.
func (p *WorkoutParams) Validate() error {
	switch p.WorkoutType {
	case "":
		return fmt.Errorf("%w: workout_type is required", ErrInvalidWorkout)
	case WorkoutJustRow:
	case WorkoutFixedDistance:
		if p.Distance == 0 {
			return fmt.Errorf("%w: distance is required for %s", ErrInvalidWorkout, p.WorkoutType)
		}
	case WorkoutFixedTime:
		if p.Time == 0 {
			return fmt.Errorf("%w: time is required for %s", ErrInvalidWorkout, p.WorkoutType)
		}
	default:
		return fmt.Errorf("%w: unknown workout_type %q", ErrInvalidWorkout, p.WorkoutType)
	}
	return nil
}

// Workout is a workout run recorded by the relay server.
type Workout struct {
	ID        string        `json:"id"`
	Params    WorkoutParams `json:"params"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
}

// Active reports whether the workout has not ended yet.
func (w *Workout) Active() bool {
	return w.EndedAt == nil
}

// Duration returns the elapsed duration of the workout.
func (w *Workout) Duration() time.Duration {
	if w.EndedAt != nil {
		return w.EndedAt.Sub(w.StartedAt)
	}
	return time.Since(w.StartedAt)
}

// ParamsToJSON converts the params to a JSON string for storage.
func (w *Workout) ParamsToJSON() (string, error) {
	data, err := json.Marshal(w.Params)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParamsFromJSON parses a stored JSON string into the params.
func (w *Workout) ParamsFromJSON(data string) error {
	if data == "" {
		w.Params = WorkoutParams{}
		return nil
	}
	return json.Unmarshal([]byte(data), &w.Params)
}
