package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ergometer-live/backend/internal/model"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// WorkoutRepository provides data access for recorded workouts.
type WorkoutRepository struct {
	db *sql.DB
}

// NewWorkoutRepository creates a new WorkoutRepository.
func NewWorkoutRepository(db *sql.DB) *WorkoutRepository {
	return &WorkoutRepository{db: db}
}

// Create inserts a started workout.
func (r *WorkoutRepository) Create(ctx context.Context, workout *model.Workout) error {
	params, err := workout.ParamsToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize params: %w", err)
	}

	query := `
		INSERT INTO workouts (id, workout_type, params, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		workout.ID,
		workout.Params.WorkoutType,
		params,
		workout.StartedAt,
		workout.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create workout: %w", err)
	}

	return nil
}

// Finish records the end time of a workout.
func (r *WorkoutRepository) Finish(ctx context.Context, id string, endedAt time.Time) error {
	query := `UPDATE workouts SET ended_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, endedAt, id)
	if err != nil {
		return fmt.Errorf("failed to finish workout: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrWorkoutNotFound
	}

	return nil
}

// GetByID retrieves a workout by its ID.
func (r *WorkoutRepository) GetByID(ctx context.Context, id string) (*model.Workout, error) {
	query := `
		SELECT id, params, started_at, ended_at
		FROM workouts
		WHERE id = ?
	`

	workout, err := scanWorkout(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrWorkoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workout: %w", err)
	}

	return workout, nil
}

// List returns the most recent workouts first.
func (r *WorkoutRepository) List(ctx context.Context, limit int) ([]*model.Workout, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, params, started_at, ended_at
		FROM workouts
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workouts: %w", err)
	}
	defer rows.Close()

	workouts := []*model.Workout{}
	for rows.Next() {
		workout, err := scanWorkout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workout: %w", err)
		}
		workouts = append(workouts, workout)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workouts: %w", err)
	}

	return workouts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkout(row scanner) (*model.Workout, error) {
	workout := &model.Workout{}
	var params string
	var endedAt sql.NullTime

	if err := row.Scan(&workout.ID, &params, &workout.StartedAt, &endedAt); err != nil {
		return nil, err
	}

	if err := workout.ParamsFromJSON(params); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}

	if endedAt.Valid {
		t := endedAt.Time
		workout.EndedAt = &t
	}

	return workout, nil
}
