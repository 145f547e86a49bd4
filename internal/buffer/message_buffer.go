// Package buffer provides the bounded history of received envelopes shared by
// every consumer of a session.
package buffer

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/ergometer-live/backend/internal/model"
)

// DefaultCapacity is the number of envelopes retained when no capacity is given.
const DefaultCapacity = 50

// MessageBuffer is a thread-safe FIFO that keeps the most recent envelopes
// up to a fixed capacity. When the buffer is full, the oldest envelope is
// evicted to make room for the new one.
//
// Only the session registry pushes; consumers read snapshots through All.
type MessageBuffer struct {
	q        *queue.Queue
	latest   *model.Envelope
	capacity int
	mu       sync.RWMutex
}

// NewMessageBuffer creates a new MessageBuffer with the specified capacity.
// A capacity <= 0 falls back to DefaultCapacity.
func NewMessageBuffer(capacity int) *MessageBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MessageBuffer{
		q:        queue.New(),
		capacity: capacity,
	}
}

// Push appends env and evicts the oldest entries while over capacity.
func (b *MessageBuffer) Push(env model.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.q.Add(env)
	for b.q.Length() > b.capacity {
		b.q.Remove()
	}
	latest := env
	b.latest = &latest
}

// Latest returns the most recently pushed envelope, or false when the buffer
// is empty or has been cleared.
func (b *MessageBuffer) Latest() (model.Envelope, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.latest == nil {
		return model.Envelope{}, false
	}
	return *b.latest, true
}

// All returns a copy of the buffered envelopes in insertion order.
// The returned slice is safe to use without holding the lock.
func (b *MessageBuffer) All() []model.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.q.Length()
	if n == 0 {
		return nil
	}

	result := make([]model.Envelope, n)
	for i := 0; i < n; i++ {
		result[i] = b.q.Get(i).(model.Envelope)
	}
	return result
}

// Clear removes all envelopes and resets Latest.
func (b *MessageBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.q = queue.New()
	b.latest = nil
}

// Len returns the current number of buffered envelopes.
func (b *MessageBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.q.Length()
}

// Cap returns the capacity of the buffer.
func (b *MessageBuffer) Cap() int {
	return b.capacity
}
