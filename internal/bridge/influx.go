package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/config"
	"github.com/ergometer-live/backend/internal/model"
	"github.com/ergometer-live/backend/internal/workout"
)

const (
	influxPingTimeout = 5 * time.Second

	measurementStats  = "workout_stats"
	measurementEvents = "workout_events"
)

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxSink writes workout progress and lifecycle events as points.
// Envelopes of other types are ignored.
type InfluxSink struct {
	writer pointWriter
	close  func()
	log    zerolog.Logger
	now    func() time.Time
}

// NewInfluxSink connects to InfluxDB and fails if the server does not
// answer a ping.
func NewInfluxSink(ctx context.Context, cfg config.InfluxConfig, log zerolog.Logger) (*InfluxSink, error) {
	log = log.With().Str("sink", "influx").Str("url", cfg.URL).Logger()

	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(uint(cfg.BatchSize))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, influxPingTimeout)
	defer cancel()
	ok, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("%w: ping returned not ready", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("influx write failed")
		}
	}()

	return newInfluxSink(writeAPI, client.Close, log), nil
}

func newInfluxSink(writer pointWriter, closeFn func(), log zerolog.Logger) *InfluxSink {
	return &InfluxSink{
		writer: writer,
		close:  closeFn,
		log:    log,
		now:    time.Now,
	}
}

// Name implements Sink.
func (s *InfluxSink) Name() string { return "influx" }

// Publish implements Sink.
func (s *InfluxSink) Publish(env model.Envelope) error {
	point, err := s.toPoint(env)
	if err != nil {
		return err
	}
	if point != nil {
		s.writer.WritePoint(point)
	}
	return nil
}

func (s *InfluxSink) toPoint(env model.Envelope) (*write.Point, error) {
	ts := s.timestamp(env)

	switch env.Type {
	case model.TypeWorkoutStats:
		var stats workout.Stats
		if err := json.Unmarshal(env.Data, &stats); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		fields := map[string]interface{}{
			"elapsed_seconds": stats.ElapsedSeconds,
		}
		if stats.RemainingSeconds != nil {
			fields["remaining_seconds"] = *stats.RemainingSeconds
		}
		tags := map[string]string{
			"workout_id":   stats.WorkoutID,
			"workout_type": stats.WorkoutType,
		}
		return write.NewPoint(measurementStats, tags, fields, ts), nil

	case model.TypeWorkoutStarted, model.TypeWorkoutEnded:
		var w model.Workout
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		tags := map[string]string{
			"workout_id":   w.ID,
			"workout_type": w.Params.WorkoutType,
			"event":        env.Type,
		}
		duration := 0.0
		if w.EndedAt != nil {
			duration = w.Duration().Seconds()
		}
		fields := map[string]interface{}{
			"duration_seconds": duration,
		}
		return write.NewPoint(measurementEvents, tags, fields, ts), nil

	default:
		return nil, nil
	}
}

func (s *InfluxSink) timestamp(env model.Envelope) time.Time {
	if env.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
			return ts
		}
	}
	return s.now()
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	s.writer.Flush()
	if s.close != nil {
		s.close()
	}
	return nil
}
