package session

import (
	"sync"
	"sync/atomic"

	"github.com/ergometer-live/backend/internal/model"
)

var subscriptionSeq atomic.Int64

// Subscription is one consumer's view of the shared session.
//
// Accessors read a mirror of the latest published snapshot and never block on
// the registry loop. Updates signals that the mirror changed; Received carries
// every decoded envelope delivered while the subscription is attached.
type Subscription struct {
	id       int64
	registry *Registry

	mu       sync.RWMutex
	snap     model.Snapshot
	released bool

	updates  chan struct{}
	received chan model.Envelope
}

func newSubscription(r *Registry, backlog int) *Subscription {
	if backlog <= 0 {
		backlog = 1
	}
	return &Subscription{
		id:       subscriptionSeq.Add(1),
		registry: r,
		snap:     model.Snapshot{State: model.StateDisconnected},
		updates:  make(chan struct{}, 1),
		received: make(chan model.Envelope, backlog),
	}
}

// ID identifies the subscription within the process.
func (s *Subscription) ID() int64 { return s.id }

// Snapshot returns the most recently published state.
func (s *Subscription) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Connected reports whether the shared transport is open.
func (s *Subscription) Connected() bool { return s.Snapshot().Connected() }

// Connecting reports whether a first attempt or a retry is in progress.
func (s *Subscription) Connecting() bool { return s.Snapshot().Connecting() }

// Err returns the last error text, empty when there is none.
func (s *Subscription) Err() string { return s.Snapshot().Error }

// LastMessage returns the most recent decoded envelope, if any.
func (s *Subscription) LastMessage() (model.Envelope, bool) {
	snap := s.Snapshot()
	if snap.LastMessage == nil {
		return model.Envelope{}, false
	}
	return *snap.LastMessage, true
}

// Messages returns the shared buffer contents, oldest first.
func (s *Subscription) Messages() []model.Envelope {
	if s.isReleased() {
		return nil
	}
	return s.registry.Messages()
}

// Updates is signalled after each state change. Signals coalesce; read
// Snapshot for the current value. The channel is closed on release.
func (s *Subscription) Updates() <-chan struct{} { return s.updates }

// Received delivers envelopes in arrival order. A consumer that falls more
// than a buffer's worth behind misses the overflow, which remains visible
// through Messages. The channel is closed on release.
func (s *Subscription) Received() <-chan model.Envelope { return s.received }

// Connect asks the registry to open or reuse the shared connection.
func (s *Subscription) Connect(url string) error {
	if s.isReleased() {
		return model.ErrReleased
	}
	return s.registry.Connect(url)
}

// Disconnect tears down the shared connection for every consumer.
func (s *Subscription) Disconnect() error {
	if s.isReleased() {
		return model.ErrReleased
	}
	return s.registry.Disconnect()
}

// Send writes env on the shared connection.
func (s *Subscription) Send(env model.Envelope) error {
	if s.isReleased() {
		return model.ErrReleased
	}
	return s.registry.Send(env)
}

// ClearMessages empties the shared buffer.
func (s *Subscription) ClearMessages() error {
	if s.isReleased() {
		return model.ErrReleased
	}
	return s.registry.ClearMessages()
}

// Release detaches the consumer. The connection stays open for the others,
// and stays open even when this was the last consumer. Release is idempotent.
func (s *Subscription) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.snap = model.Snapshot{State: model.StateDisconnected}
	s.mu.Unlock()

	s.registry.detach(s)
}

func (s *Subscription) isReleased() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

// update runs on the registry loop.
func (s *Subscription) update(snap model.Snapshot) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.snap = snap
	s.mu.Unlock()

	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// deliver runs on the registry loop and never blocks it.
func (s *Subscription) deliver(env model.Envelope) {
	select {
	case s.received <- env:
	default:
	}
}

// closeChannels runs on the registry loop once the subscription is removed.
func (s *Subscription) closeChannels() {
	close(s.updates)
	close(s.received)
}
