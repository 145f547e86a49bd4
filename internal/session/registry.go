// Package session shares one reconnecting WebSocket connection between any
// number of independent consumers.
//
// The Registry owns the connection. All of its state is confined to a single
// goroutine that consumes one event channel carrying consumer commands,
// transport callbacks and retry timer firings, so mutations never run in
// parallel. Consumers attach through Subscriptions, which observe snapshots
// the registry publishes after every change.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/buffer"
	"github.com/ergometer-live/backend/internal/endpoint"
	"github.com/ergometer-live/backend/internal/model"
	"github.com/ergometer-live/backend/internal/transport"
)

const (
	// eventQueueSize bounds pending loop events before producers block.
	eventQueueSize = 256

	// resolveTimeout bounds endpoint resolution before a retry.
	resolveTimeout = 10 * time.Second

	errTransport = "connection error occurred"
)

// Options configures a Registry.
type Options struct {
	// Dialer opens transports. Required.
	Dialer transport.Dialer
	// Endpoint, when set, is asked for a fresh URL before every scheduled
	// retry. Without it retries reuse the URL of the last connect.
	Endpoint endpoint.Provider
	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// BufferSize defaults to buffer.DefaultCapacity.
	BufferSize int
	// Clock defaults to the wall clock.
	Clock  Clock
	Logger zerolog.Logger
}

// Registry is the process-wide owner of the shared connection. Create one
// per process and inject it wherever consumers attach.
type Registry struct {
	events  chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	dialer   transport.Dialer
	endpoint endpoint.Provider
	buffer   *buffer.MessageBuffer
	log      zerolog.Logger

	// Loop-owned state below.
	transport transport.Handle
	gen       uint64 // identifies the current transport; bumped on release
	state     model.ConnectionState
	errMsg    string
	inFlight  bool
	url       string
	scheduler *Scheduler
	consumers int
	subs      map[int64]*Subscription
	lastMsg   *model.Envelope
}

// NewRegistry creates a Registry and starts its event loop. No connection is
// opened until the first Connect.
func NewRegistry(opts Options) *Registry {
	if opts.Dialer == nil {
		panic("session: Options.Dialer is required")
	}

	r := &Registry{
		events:    make(chan func(), eventQueueSize),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		dialer:    opts.Dialer,
		endpoint:  opts.Endpoint,
		buffer:    buffer.NewMessageBuffer(opts.BufferSize),
		log:       opts.Logger.With().Str("component", "session").Logger(),
		state:     model.StateDisconnected,
		scheduler: NewScheduler(opts.Clock, opts.ReconnectDelay),
		subs:      make(map[int64]*Subscription),
	}

	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.events <- func() { fn(); close(done) }:
	case <-r.stopped:
		return model.ErrRegistryClosed
	}

	select {
	case <-done:
		return nil
	case <-r.stopped:
		select {
		case <-done:
			return nil
		default:
			return model.ErrRegistryClosed
		}
	}
}

// post queues fn on the loop without waiting. Events posted after shutdown
// are dropped.
func (r *Registry) post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.stopped:
	}
}

// Close disconnects, detaches every subscription and stops the loop.
func (r *Registry) Close() error {
	r.once.Do(func() {
		r.do(func() {
			r.disconnect()
			for id, sub := range r.subs {
				delete(r.subs, id)
				sub.closeChannels()
			}
			r.consumers = 0
		})
		close(r.quit)
	})
	<-r.stopped
	return nil
}

// Connect opens the shared connection to url, or reuses the existing one.
//
// While an attempt is in flight the call is a no-op. An open transport is
// reused as-is; a transport still in its handshake is reused as connecting.
// A malformed url fails synchronously with model.ErrConnectFailed and is
// also recorded as the session error.
func (r *Registry) Connect(url string) error {
	var err error
	if doErr := r.do(func() { err = r.connect(url, false) }); doErr != nil {
		return doErr
	}
	return err
}

// Disconnect closes the shared connection and cancels any pending retry.
// It is the only operation that tears down the session.
func (r *Registry) Disconnect() error {
	return r.do(r.disconnect)
}

// Send encodes env and writes it to the connection. It fails with
// model.ErrNotConnected unless the session is connected. Delivery is
// fire-and-forget: a failed send is not retried.
func (r *Registry) Send(env model.Envelope) error {
	var (
		handle transport.Handle
		state  model.ConnectionState
	)
	if err := r.do(func() {
		state = r.state
		handle = r.transport
	}); err != nil {
		return err
	}

	if state != model.StateConnected || handle == nil {
		r.log.Warn().Str("type", env.Type).Str("state", state.String()).Msg("send while not connected")
		return model.ErrNotConnected
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", env.Type, err)
	}
	if err := handle.Send(payload); err != nil {
		r.log.Warn().Err(err).Str("type", env.Type).Msg("send failed")
		return err
	}
	return nil
}

// ClearMessages empties the message buffer and the last message. The
// connection is unaffected.
func (r *Registry) ClearMessages() error {
	return r.do(func() {
		r.buffer.Clear()
		r.lastMsg = nil
		r.publish()
	})
}

// Snapshot returns the current observable state.
func (r *Registry) Snapshot() model.Snapshot {
	var snap model.Snapshot
	if err := r.do(func() { snap = r.snapshot() }); err != nil {
		return model.Snapshot{State: model.StateDisconnected}
	}
	return snap
}

// Messages returns a copy of the buffered envelopes, oldest first.
func (r *Registry) Messages() []model.Envelope {
	return r.buffer.All()
}

// RetryPending reports whether a reconnection is scheduled.
func (r *Registry) RetryPending() bool {
	var pending bool
	r.do(func() { pending = r.scheduler.Pending() })
	return pending
}

// Attach registers a new consumer. Its subscription starts with the current
// snapshot. Attach never opens a connection by itself.
func (r *Registry) Attach() (*Subscription, error) {
	sub := newSubscription(r, r.buffer.Cap())
	err := r.do(func() {
		r.subs[sub.id] = sub
		r.consumers++
		r.log.Debug().Int64("subscription", sub.id).Int("consumers", r.consumers).Msg("consumer attached")
		r.publish()
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// detach unregisters a consumer without touching the connection.
func (r *Registry) detach(sub *Subscription) {
	r.do(func() {
		if _, ok := r.subs[sub.id]; !ok {
			return
		}
		delete(r.subs, sub.id)
		r.consumers--
		sub.closeChannels()
		r.log.Debug().Int64("subscription", sub.id).Int("consumers", r.consumers).Msg("consumer released")
		r.publish()
	})
}

// connect runs on the loop.
func (r *Registry) connect(url string, retry bool) error {
	// A held transport still in its handshake is always in flight, so this
	// guard is also the reuse path for a connecting transport.
	if r.inFlight {
		r.log.Debug().Msg("connection attempt already in progress, skipping")
		return nil
	}

	if r.transport != nil {
		if r.transport.ReadyState() == transport.StateOpen {
			r.log.Debug().Msg("reusing connected transport")
			r.state = model.StateConnected
			r.publish()
			return nil
		}
		r.log.Debug().Msg("releasing stale transport")
		r.releaseTransport()
	}

	// A consumer-initiated attempt supersedes any pending retry.
	r.scheduler.Cancel()

	r.gen++
	gen := r.gen
	handle, err := r.dialer.Open(url, &transportEvents{r: r, gen: gen})
	if err != nil {
		r.state = model.StateDisconnected
		r.errMsg = err.Error()
		r.log.Error().Err(err).Str("url", url).Msg("failed to create transport")
		r.publish()
		return fmt.Errorf("%w: %v", model.ErrConnectFailed, err)
	}

	r.transport = handle
	r.url = url
	r.inFlight = true
	r.errMsg = ""
	if retry {
		r.state = model.StateReconnecting
	} else {
		r.state = model.StateConnecting
	}
	r.log.Info().Str("url", url).Bool("retry", retry).Msg("opening connection")
	r.publish()
	return nil
}

// disconnect runs on the loop.
func (r *Registry) disconnect() {
	r.scheduler.Cancel()
	r.releaseTransport()
	r.inFlight = false
	r.state = model.StateDisconnected
	r.log.Info().Msg("disconnected")
	r.publish()
}

// releaseTransport closes the current transport and invalidates its
// pending callbacks.
func (r *Registry) releaseTransport() {
	if r.transport != nil {
		r.transport.Close()
		r.transport = nil
	}
	r.gen++
}

func (r *Registry) current(gen uint64) bool {
	return gen == r.gen && r.transport != nil
}

func (r *Registry) handleOpen(gen uint64) {
	if !r.current(gen) {
		r.log.Debug().Uint64("gen", gen).Msg("ignoring open of superseded transport")
		return
	}
	r.state = model.StateConnected
	r.errMsg = ""
	r.inFlight = false
	r.scheduler.Cancel()
	r.log.Info().Str("url", r.url).Msg("connected")
	r.publish()
}

func (r *Registry) handleMessage(gen uint64, payload []byte) {
	if !r.current(gen) {
		return
	}
	env, err := model.DecodeEnvelope(payload)
	if err != nil {
		r.log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping malformed message")
		return
	}

	r.buffer.Push(env)
	r.lastMsg = &env
	for _, sub := range r.subs {
		sub.deliver(env)
	}
	r.publish()
}

func (r *Registry) handleError(gen uint64, err error) {
	if !r.current(gen) {
		return
	}
	r.errMsg = errTransport
	r.log.Warn().Err(err).Msg("transport error")
	r.publish()
}

func (r *Registry) handleClose(gen uint64, ev transport.CloseEvent) {
	if !r.current(gen) {
		return
	}
	r.transport = nil
	r.gen++
	r.inFlight = false
	r.state = model.StateDisconnected
	if ev.WasClean {
		r.errMsg = ""
	} else {
		r.errMsg = fmt.Sprintf("connection lost (code: %d)", ev.Code)
	}
	r.log.Info().Int("code", ev.Code).Str("reason", ev.Reason).Bool("clean", ev.WasClean).Msg("connection closed")

	r.scheduleRetry()
	r.publish()
}

// scheduleRetry arms the scheduler; a retry already pending is kept.
func (r *Registry) scheduleRetry() {
	armed := r.scheduler.Schedule(func(gen uint64) {
		// Resolve off the loop so a slow token source never stalls it.
		var (
			url string
			err error
		)
		if r.endpoint != nil {
			ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
			url, err = r.endpoint.URL(ctx)
			cancel()
		}
		r.post(func() { r.handleRetry(gen, url, err) })
	})
	if armed {
		r.log.Info().Dur("delay", r.scheduler.Delay()).Msg("reconnect scheduled")
	}
}

func (r *Registry) handleRetry(gen uint64, url string, resolveErr error) {
	if !r.scheduler.Claim(gen) {
		r.log.Debug().Uint64("gen", gen).Msg("ignoring cancelled retry")
		return
	}

	if resolveErr != nil {
		r.errMsg = resolveErr.Error()
		r.log.Warn().Err(resolveErr).Msg("failed to resolve endpoint for retry")
		r.scheduleRetry()
		r.publish()
		return
	}
	if url == "" {
		url = r.url
	}

	if err := r.connect(url, true); err != nil {
		r.scheduleRetry()
	}
}

func (r *Registry) snapshot() model.Snapshot {
	snap := model.Snapshot{
		State:     r.state,
		Error:     r.errMsg,
		Consumers: r.consumers,
	}
	if r.lastMsg != nil {
		last := *r.lastMsg
		snap.LastMessage = &last
	}
	return snap
}

// publish pushes the current snapshot to every subscription.
func (r *Registry) publish() {
	snap := r.snapshot()
	for _, sub := range r.subs {
		sub.update(snap)
	}
}

// transportEvents forwards the callbacks of one transport to the loop,
// tagged with the generation the transport was opened under.
type transportEvents struct {
	r   *Registry
	gen uint64
}

func (e *transportEvents) OnOpen() {
	e.r.post(func() { e.r.handleOpen(e.gen) })
}

func (e *transportEvents) OnMessage(payload []byte) {
	e.r.post(func() { e.r.handleMessage(e.gen, payload) })
}

func (e *transportEvents) OnError(err error) {
	e.r.post(func() { e.r.handleError(e.gen, err) })
}

func (e *transportEvents) OnClose(ev transport.CloseEvent) {
	e.r.post(func() { e.r.handleClose(e.gen, ev) })
}
