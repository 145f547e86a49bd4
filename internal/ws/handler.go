package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/model"
	"github.com/ergometer-live/backend/internal/workout"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Time allowed for a command to reach the workout store.
	commandTimeout = 5 * time.Second

	errorCode = "ERROR"
)

// Status is the payload of a status envelope.
type Status struct {
	Connected     bool           `json:"connected"`
	WorkoutActive bool           `json:"workout_active"`
	Workout       *model.Workout `json:"workout,omitempty"`
	Clients       int            `json:"clients"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// SuccessData is the payload of a success envelope.
type SuccessData struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// Handler upgrades relay connections and executes client commands.
type Handler struct {
	hub      *Hub
	tracker  *workout.Tracker
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a handler that accepts the listed origins. An empty
// list or "*" accepts any origin.
func NewHandler(hub *Hub, tracker *workout.Tracker, allowedOrigins []string, log zerolog.Logger) *Handler {
	h := &Handler{
		hub:     hub,
		tracker: tracker,
		log:     log.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	hub.SetOnMessage(h.handleMessage)
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// HandleConnection upgrades the request and serves the client until it
// disconnects. The new client first receives the current status.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(h.hub, conn)
	h.hub.Register(client)
	h.log.Info().Str("client", client.ID()).Str("remote", r.RemoteAddr).Int("clients", h.hub.ClientCount()).Msg("client connected")

	h.sendStatus(client)

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// Status reports the relay's current state.
func (h *Handler) Status() Status {
	w, active := h.tracker.Active()
	return Status{
		Connected:     true,
		WorkoutActive: active,
		Workout:       w,
		Clients:       h.hub.ClientCount(),
	}
}

func (h *Handler) handleMessage(client *Client, payload []byte) {
	env, err := model.DecodeEnvelope(payload)
	if err != nil {
		h.log.Warn().Err(err).Str("client", client.ID()).Msg("invalid message")
		h.sendError(client, "Invalid message format")
		return
	}

	h.log.Debug().Str("client", client.ID()).Str("type", env.Type).Msg("received message")

	switch env.Type {
	case model.TypeStartWorkout:
		h.handleStartWorkout(client, env.Data)
	case model.TypeStopWorkout:
		h.handleStopWorkout(client)
	case model.TypeGetStatus:
		h.sendStatus(client)
	default:
		h.sendError(client, "Unknown message type: "+env.Type)
	}
}

func (h *Handler) handleStartWorkout(client *Client, data json.RawMessage) {
	var params model.WorkoutParams
	if len(data) > 0 {
		if err := json.Unmarshal(data, &params); err != nil {
			h.sendError(client, "Invalid workout parameters")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := h.tracker.Start(ctx, params); err != nil {
		if errors.Is(err, model.ErrInvalidWorkout) {
			h.sendError(client, err.Error())
			return
		}
		h.sendError(client, "Failed to start workout: "+err.Error())
		return
	}

	h.sendSuccess(client, model.TypeStartWorkout, "Workout started successfully")
}

func (h *Handler) handleStopWorkout(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := h.tracker.Stop(ctx); err != nil {
		h.sendError(client, "Failed to stop workout: "+err.Error())
		return
	}

	h.sendSuccess(client, model.TypeStopWorkout, "Workout stopped successfully")
}

func (h *Handler) sendStatus(client *Client) {
	h.send(client, model.TypeStatus, h.Status())
}

func (h *Handler) sendError(client *Client, message string) {
	h.send(client, model.TypeError, ErrorData{Message: message, Code: errorCode})
}

func (h *Handler) sendSuccess(client *Client, action, message string) {
	h.send(client, model.TypeSuccess, SuccessData{Action: action, Message: message})
}

func (h *Handler) send(client *Client, msgType string, data any) {
	env, err := model.NewEnvelope(msgType, data)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to build envelope")
		return
	}
	if err := client.SendEnvelope(env); err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to marshal envelope")
	}
}

// readPump pumps frames from the connection to the hub.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.Conn().Close()
		h.log.Info().Str("client", client.ID()).Int("clients", h.hub.ClientCount()).Msg("client disconnected")
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("client", client.ID()).Msg("websocket error")
			}
			break
		}

		h.hub.HandleMessage(client, message)
	}
}

// writePump pumps queued messages from the hub to the connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One envelope per frame; receivers decode each frame on its own.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
