package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergometer-live/backend/internal/model"
	"github.com/ergometer-live/backend/internal/transport"
)

// fakeHandle is a transport whose events are driven by the test.
type fakeHandle struct {
	url     string
	handler transport.Handler

	mu     sync.Mutex
	state  transport.ReadyState
	sent   [][]byte
	closed int
}

func (h *fakeHandle) Send(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != transport.StateOpen {
		return transport.ErrSendFailed
	}
	h.sent = append(h.sent, payload)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	h.state = transport.StateClosed
}

func (h *fakeHandle) ReadyState() transport.ReadyState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) URL() string { return h.url }

func (h *fakeHandle) open() {
	h.mu.Lock()
	h.state = transport.StateOpen
	h.mu.Unlock()
	h.handler.OnOpen()
}

func (h *fakeHandle) drop(code int, clean bool) {
	h.mu.Lock()
	h.state = transport.StateClosed
	h.mu.Unlock()
	h.handler.OnClose(transport.CloseEvent{Code: code, WasClean: clean})
}

func (h *fakeHandle) receive(t *testing.T, env model.Envelope) {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	h.handler.OnMessage(payload)
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
	fail    error
}

func (d *fakeDialer) Open(rawURL string, h transport.Handler) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	handle := &fakeHandle{url: rawURL, handler: h, state: transport.StateConnecting}
	d.handles = append(d.handles, handle)
	return handle, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *fakeDialer) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[len(d.handles)-1]
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

type manualTimer struct {
	clock   *manualClock
	f       func()
	delay   time.Duration
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// manualClock fires timers only when the test asks.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, f: f, delay: d}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every live timer on the calling goroutine.
func (c *manualClock) fire() int {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			due = append(due, t)
		}
	}
	c.timers = nil
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (c *manualClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type staticProvider struct {
	mu   sync.Mutex
	url  string
	err  error
	hits int
}

func (p *staticProvider) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits++
	return p.url, p.err
}

const testURL = "ws://localhost:8080/ws"

func newTestRegistry(t *testing.T) (*Registry, *fakeDialer, *manualClock) {
	t.Helper()
	dialer := &fakeDialer{}
	clock := &manualClock{}
	r := NewRegistry(Options{
		Dialer: dialer,
		Clock:  clock,
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() { r.Close() })
	return r, dialer, clock
}

func TestRegistry_InitialState(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)

	snap := r.Snapshot()
	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Empty(t, snap.Error)
	assert.Nil(t, snap.LastMessage)
	assert.Zero(t, snap.Consumers)
	assert.Empty(t, r.Messages())
	assert.Zero(t, dialer.count())
}

func TestRegistry_ConnectOpen(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)

	require.NoError(t, r.Connect(testURL))
	assert.Equal(t, model.StateConnecting, r.Snapshot().State)
	require.Equal(t, 1, dialer.count())
	assert.Equal(t, testURL, dialer.last().URL())

	dialer.last().open()
	snap := r.Snapshot()
	assert.True(t, snap.Connected())
	assert.Empty(t, snap.Error)
}

func TestRegistry_ConnectWhileInFlight(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)

	require.NoError(t, r.Connect(testURL))
	require.NoError(t, r.Connect(testURL))
	require.NoError(t, r.Connect("ws://other/ws"))
	assert.Equal(t, 1, dialer.count())

	// The handshaking transport is kept, not replaced.
	h := dialer.last()
	assert.Equal(t, transport.StateConnecting, h.ReadyState())
	assert.Equal(t, testURL, h.URL())
	assert.Equal(t, 0, h.closeCount())
	assert.Equal(t, model.StateConnecting, r.Snapshot().State)
}

func TestRegistry_ConnectReusesOpenTransport(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)

	require.NoError(t, r.Connect(testURL))
	dialer.last().open()

	require.NoError(t, r.Connect(testURL))
	assert.Equal(t, 1, dialer.count())
	assert.True(t, r.Snapshot().Connected())
}

func TestRegistry_ConcurrentConnectsOpenOneTransport(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := r.Attach()
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, sub.Connect(testURL))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, 32, r.Snapshot().Consumers)
}

func TestRegistry_ConnectOpenFailure(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	dialer.setFail(transport.ErrInvalidURL)

	err := r.Connect("not a url")
	require.ErrorIs(t, err, model.ErrConnectFailed)

	snap := r.Snapshot()
	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Equal(t, transport.ErrInvalidURL.Error(), snap.Error)
	assert.False(t, r.RetryPending())
}

func TestRegistry_MessagesBufferedAndDelivered(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	sub, err := r.Attach()
	require.NoError(t, err)

	require.NoError(t, sub.Connect(testURL))
	h := dialer.last()
	h.open()

	env := model.Envelope{Type: model.TypeStatus, Data: json.RawMessage(`{"connected":true}`)}
	h.receive(t, env)

	snap := r.Snapshot()
	require.NotNil(t, snap.LastMessage)
	assert.Equal(t, model.TypeStatus, snap.LastMessage.Type)
	assert.Len(t, r.Messages(), 1)

	select {
	case got := <-sub.Received():
		assert.Equal(t, model.TypeStatus, got.Type)
		assert.JSONEq(t, `{"connected":true}`, string(got.Data))
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}

	last, ok := sub.LastMessage()
	require.True(t, ok)
	assert.Equal(t, model.TypeStatus, last.Type)
}

func TestRegistry_BufferKeepsMostRecent(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	h := dialer.last()
	h.open()

	for i := 0; i < 60; i++ {
		env, err := model.NewEnvelope(model.TypeStatus, map[string]int{"n": i})
		require.NoError(t, err)
		h.receive(t, env)
	}
	r.Snapshot()

	msgs := r.Messages()
	require.Len(t, msgs, 50)
	assert.JSONEq(t, `{"n":10}`, string(msgs[0].Data))
	assert.JSONEq(t, `{"n":59}`, string(msgs[49].Data))
}

func TestRegistry_MalformedMessageDropped(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	h := dialer.last()
	h.open()

	h.handler.OnMessage([]byte("not json"))
	h.handler.OnMessage([]byte(`{"data":{}}`))

	snap := r.Snapshot()
	assert.True(t, snap.Connected())
	assert.Empty(t, snap.Error)
	assert.Nil(t, snap.LastMessage)
	assert.Empty(t, r.Messages())
}

func TestRegistry_TransportErrorKeepsState(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	h := dialer.last()
	h.open()

	h.handler.OnError(errors.New("boom"))
	snap := r.Snapshot()
	assert.True(t, snap.Connected())
	assert.Equal(t, "connection error occurred", snap.Error)
}

func TestRegistry_AbnormalCloseSchedulesRetry(t *testing.T) {
	r, dialer, clock := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	dialer.last().open()

	dialer.last().drop(transport.CloseAbnormal, false)
	snap := r.Snapshot()
	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Equal(t, "connection lost (code: 1006)", snap.Error)
	assert.True(t, r.RetryPending())
	assert.Equal(t, 1, clock.armed())

	require.Equal(t, 1, clock.fire())
	snap = r.Snapshot()
	assert.Equal(t, model.StateReconnecting, snap.State)
	assert.True(t, snap.Connecting())
	assert.Empty(t, snap.Error)
	require.Equal(t, 2, dialer.count())
	assert.Equal(t, testURL, dialer.last().URL())

	dialer.last().open()
	assert.True(t, r.Snapshot().Connected())
	assert.False(t, r.RetryPending())
}

func TestRegistry_CleanCloseStillRetries(t *testing.T) {
	r, dialer, clock := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	dialer.last().open()

	dialer.last().drop(transport.CloseNormal, true)
	snap := r.Snapshot()
	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 1, clock.armed())
}

func TestRegistry_SecondCloseKeepsSingleRetry(t *testing.T) {
	r, dialer, clock := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	h := dialer.last()
	h.open()

	h.drop(transport.CloseAbnormal, false)
	h.handler.OnClose(transport.CloseEvent{Code: transport.CloseAbnormal})
	snap := r.Snapshot()
	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Equal(t, "connection lost (code: 1006)", snap.Error)
	assert.Equal(t, 1, clock.armed())

	require.Equal(t, 1, clock.fire())
	r.Snapshot()
	assert.Equal(t, 2, dialer.count())
	assert.Equal(t, 0, clock.armed())
}

func TestRegistry_RetryFailureReschedules(t *testing.T) {
	r, dialer, clock := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	dialer.last().drop(transport.CloseAbnormal, false)
	r.Snapshot()

	dialer.setFail(errors.New("dial refused"))
	require.Equal(t, 1, clock.fire())
	snap := r.Snapshot()
	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Equal(t, "dial refused", snap.Error)
	assert.True(t, r.RetryPending())

	dialer.setFail(nil)
	require.Equal(t, 1, clock.fire())
	assert.Equal(t, model.StateReconnecting, r.Snapshot().State)
}

func TestRegistry_ConnectCancelsPendingRetry(t *testing.T) {
	r, dialer, clock := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	dialer.last().drop(transport.CloseAbnormal, false)
	r.Snapshot()
	require.True(t, r.RetryPending())

	require.NoError(t, r.Connect(testURL))
	assert.False(t, r.RetryPending())
	assert.Zero(t, clock.armed())
	assert.Equal(t, model.StateConnecting, r.Snapshot().State)
	assert.Equal(t, 2, dialer.count())
}

func TestRegistry_DisconnectSuppressesRetry(t *testing.T) {
	r, dialer, clock := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	h := dialer.last()
	h.open()

	require.NoError(t, r.Disconnect())
	assert.Equal(t, 1, h.closeCount())
	assert.Equal(t, model.StateDisconnected, r.Snapshot().State)

	// The close event of the released transport arrives late.
	h.handler.OnClose(transport.CloseEvent{Code: transport.CloseNormal, WasClean: true})
	r.Snapshot()
	assert.False(t, r.RetryPending())
	assert.Zero(t, clock.armed())
	assert.Equal(t, 1, dialer.count())
}

func TestRegistry_DisconnectCancelsPendingRetry(t *testing.T) {
	r, dialer, clock := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	dialer.last().drop(transport.CloseAbnormal, false)
	r.Snapshot()
	require.True(t, r.RetryPending())

	require.NoError(t, r.Disconnect())
	assert.False(t, r.RetryPending())

	// A firing that raced the cancel is discarded.
	clock.mu.Lock()
	for _, tm := range clock.timers {
		tm.stopped = false
	}
	clock.mu.Unlock()
	clock.fire()

	assert.Equal(t, model.StateDisconnected, r.Snapshot().State)
	assert.Equal(t, 1, dialer.count())
}

func TestRegistry_StaleOpenIgnored(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	old := dialer.last()

	require.NoError(t, r.Disconnect())
	require.NoError(t, r.Connect(testURL))
	require.Equal(t, 2, dialer.count())

	old.handler.OnOpen()
	old.handler.OnMessage([]byte(`{"type":"status"}`))
	snap := r.Snapshot()
	assert.Equal(t, model.StateConnecting, snap.State)
	assert.Nil(t, snap.LastMessage)
}

func TestRegistry_SendRequiresConnection(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	env := model.Envelope{Type: model.TypeGetStatus}

	assert.ErrorIs(t, r.Send(env), model.ErrNotConnected)

	require.NoError(t, r.Connect(testURL))
	assert.ErrorIs(t, r.Send(env), model.ErrNotConnected)

	h := dialer.last()
	h.open()
	require.NoError(t, r.Send(env))
	require.Equal(t, 1, h.sentCount())
	assert.JSONEq(t, `{"type":"get_status"}`, string(h.sent[0]))

	h.drop(transport.CloseAbnormal, false)
	assert.ErrorIs(t, r.Send(env), model.ErrNotConnected)
	assert.Equal(t, 1, h.sentCount())
}

func TestRegistry_ClearMessages(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	require.NoError(t, r.Connect(testURL))
	h := dialer.last()
	h.open()
	h.receive(t, model.Envelope{Type: model.TypeStatus})

	require.NoError(t, r.ClearMessages())
	snap := r.Snapshot()
	assert.Nil(t, snap.LastMessage)
	assert.Empty(t, r.Messages())
	assert.True(t, snap.Connected())
}

func TestRegistry_RetryUsesEndpointProvider(t *testing.T) {
	dialer := &fakeDialer{}
	clock := &manualClock{}
	provider := &staticProvider{url: "ws://fresh/ws?token=t2"}
	r := NewRegistry(Options{Dialer: dialer, Clock: clock, Endpoint: provider, Logger: zerolog.Nop()})
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.Connect(testURL))
	dialer.last().drop(transport.CloseAbnormal, false)
	r.Snapshot()

	clock.fire()
	r.Snapshot()
	require.Equal(t, 2, dialer.count())
	assert.Equal(t, "ws://fresh/ws?token=t2", dialer.last().URL())
	assert.Equal(t, 1, provider.hits)
}

func TestRegistry_RetryResolveFailureReschedules(t *testing.T) {
	dialer := &fakeDialer{}
	clock := &manualClock{}
	provider := &staticProvider{err: errors.New("token expired")}
	r := NewRegistry(Options{Dialer: dialer, Clock: clock, Endpoint: provider, Logger: zerolog.Nop()})
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.Connect(testURL))
	dialer.last().drop(transport.CloseAbnormal, false)
	r.Snapshot()

	clock.fire()
	snap := r.Snapshot()
	assert.Equal(t, "token expired", snap.Error)
	assert.Equal(t, 1, dialer.count())
	assert.True(t, r.RetryPending())
}

func TestRegistry_CloseRejectsOperations(t *testing.T) {
	dialer := &fakeDialer{}
	r := NewRegistry(Options{Dialer: dialer, Clock: &manualClock{}, Logger: zerolog.Nop()})
	sub, err := r.Attach()
	require.NoError(t, err)
	require.NoError(t, r.Connect(testURL))
	h := dialer.last()

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, h.closeCount())

	assert.ErrorIs(t, r.Connect(testURL), model.ErrRegistryClosed)
	_, err = r.Attach()
	assert.ErrorIs(t, err, model.ErrRegistryClosed)
	assert.Equal(t, model.StateDisconnected, r.Snapshot().State)

	_, open := <-sub.Updates()
	for open {
		_, open = <-sub.Updates()
	}
	sub.Release()
}
