package bridge

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/model"
)

// DefaultQueueSize is the number of envelopes a Fanout buffers.
const DefaultQueueSize = 256

// Sink receives forwarded envelopes.
type Sink interface {
	Name() string
	Publish(env model.Envelope) error
	Close() error
}

// Fanout delivers envelopes to every sink in order.
type Fanout struct {
	sinks []Sink
	log   zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan model.Envelope
	done   chan struct{}
}

// NewFanout starts a worker delivering to sinks.
func NewFanout(log zerolog.Logger, queueSize int, sinks ...Sink) *Fanout {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	f := &Fanout{
		sinks: sinks,
		log:   log.With().Str("component", "bridge").Logger(),
		queue: make(chan model.Envelope, queueSize),
		done:  make(chan struct{}),
	}
	go f.run()
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Publish queues env. It never blocks; when the queue is full the envelope
// is dropped.
func (f *Fanout) Publish(env model.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	select {
	case f.queue <- env:
	default:
		f.log.Warn().Str("type", env.Type).Msg("bridge queue full, dropping envelope")
	}
}

func (f *Fanout) run() {
	defer close(f.done)
	for env := range f.queue {
		for _, sink := range f.sinks {
			if err := sink.Publish(env); err != nil {
				f.log.Warn().Err(err).Str("sink", sink.Name()).Str("type", env.Type).Msg("forward failed")
			}
		}
	}
}

// Close drains the queue and closes every sink.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	<-f.done

	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
