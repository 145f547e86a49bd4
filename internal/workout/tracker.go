// Package workout tracks the single workout a relay server is running and
// records it in the workout store.
package workout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/model"
)

// DefaultStatsInterval is the period of workout_stats broadcasts.
const DefaultStatsInterval = time.Second

// Store persists workouts.
type Store interface {
	Create(ctx context.Context, workout *model.Workout) error
	Finish(ctx context.Context, id string, endedAt time.Time) error
}

// Stats is the payload of a workout_stats envelope.
type Stats struct {
	WorkoutID      string  `json:"workout_id"`
	WorkoutType    string  `json:"workout_type"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	// Remaining is set for fixed_time workouts.
	RemainingSeconds *float64 `json:"remaining_seconds,omitempty"`
}

// Tracker owns the active workout. At most one workout runs at a time.
type Tracker struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	active *model.Workout
	emit   func(model.Envelope)
}

// NewTracker creates a tracker backed by store.
func NewTracker(store Store, log zerolog.Logger) *Tracker {
	return &Tracker{
		store: store,
		log:   log.With().Str("component", "workout").Logger(),
		now:   time.Now,
	}
}

// OnEvent sets the sink for workout_started, workout_ended and
// workout_stats envelopes.
func (t *Tracker) OnEvent(fn func(model.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit = fn
}

// Active returns a copy of the running workout.
func (t *Tracker) Active() (*model.Workout, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.active == nil {
		return nil, false
	}
	w := *t.active
	return &w, true
}

// Start validates params and begins a workout.
func (t *Tracker) Start(ctx context.Context, params model.WorkoutParams) (*model.Workout, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.active != nil {
		t.mu.Unlock()
		return nil, model.ErrWorkoutActive
	}

	w := &model.Workout{
		ID:        uuid.NewString(),
		Params:    params,
		StartedAt: t.now().UTC(),
	}
	if err := t.store.Create(ctx, w); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to record workout: %w", err)
	}
	t.active = w
	started := *w
	t.mu.Unlock()

	t.log.Info().Str("workout", w.ID).Str("type", params.WorkoutType).Msg("workout started")
	t.publish(model.TypeWorkoutStarted, started)
	return &started, nil
}

// Stop ends the running workout.
func (t *Tracker) Stop(ctx context.Context) (*model.Workout, error) {
	t.mu.Lock()
	if t.active == nil {
		t.mu.Unlock()
		return nil, model.ErrNoActiveWorkout
	}

	ended := t.now().UTC()
	if err := t.store.Finish(ctx, t.active.ID, ended); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to finish workout: %w", err)
	}
	w := *t.active
	w.EndedAt = &ended
	t.active = nil
	t.mu.Unlock()

	t.log.Info().Str("workout", w.ID).Dur("duration", w.Duration()).Msg("workout ended")
	t.publish(model.TypeWorkoutEnded, w)
	return &w, nil
}

// Stats returns the progress of the running workout.
func (t *Tracker) Stats() (Stats, bool) {
	w, ok := t.Active()
	if !ok {
		return Stats{}, false
	}

	elapsed := t.now().Sub(w.StartedAt).Seconds()
	stats := Stats{
		WorkoutID:      w.ID,
		WorkoutType:    w.Params.WorkoutType,
		ElapsedSeconds: elapsed,
	}
	if w.Params.WorkoutType == model.WorkoutFixedTime {
		remaining := float64(w.Params.Time) - elapsed
		if remaining < 0 {
			remaining = 0
		}
		stats.RemainingSeconds = &remaining
	}
	return stats, true
}

// Run broadcasts workout_stats every interval while a workout is active,
// until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats, ok := t.Stats(); ok {
				t.publish(model.TypeWorkoutStats, stats)
			}
		}
	}
}

func (t *Tracker) publish(msgType string, data any) {
	t.mu.RLock()
	emit := t.emit
	t.mu.RUnlock()
	if emit == nil {
		return
	}

	env, err := model.NewEnvelope(msgType, data)
	if err != nil {
		t.log.Error().Err(err).Str("type", msgType).Msg("failed to build envelope")
		return
	}
	emit(env.Stamped(t.now()))
}
