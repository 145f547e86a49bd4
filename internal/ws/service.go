package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/model"
	"github.com/ergometer-live/backend/internal/workout"
)

// Service wires the workout tracker to the hub so every workout event is
// broadcast to all relay clients.
type Service struct {
	hub     *Hub
	tracker *workout.Tracker
	handler *Handler
	log     zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// Options configures a Service.
type Options struct {
	AllowedOrigins []string
	SendQueue      int
	StatsInterval  time.Duration
	// Forward, if set, also receives every workout event after it is broadcast.
	Forward func(model.Envelope)
}

// NewService creates the relay service and starts the stats broadcaster.
func NewService(tracker *workout.Tracker, opts Options, log zerolog.Logger) *Service {
	hub := NewHub(opts.SendQueue)
	s := &Service{
		hub:     hub,
		tracker: tracker,
		handler: NewHandler(hub, tracker, opts.AllowedOrigins, log),
		log:     log.With().Str("component", "relay").Logger(),
		done:    make(chan struct{}),
	}

	tracker.OnEvent(func(env model.Envelope) {
		if err := hub.BroadcastEnvelope(env); err != nil {
			s.log.Error().Err(err).Str("type", env.Type).Msg("failed to broadcast")
		}
		if opts.Forward != nil {
			opts.Forward(env)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		tracker.Run(ctx, opts.StatsInterval)
	}()

	return s
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Hub returns the client hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Status reports the relay's current state.
func (s *Service) Status() Status {
	return s.handler.Status()
}

// Close stops the stats broadcaster and disconnects every client.
func (s *Service) Close() {
	s.cancel()
	<-s.done
	s.tracker.OnEvent(nil)
	s.hub.Close()
}
