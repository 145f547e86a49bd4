package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ergometer-live/backend/internal/model"
	"github.com/ergometer-live/backend/internal/ws"
)

// WorkoutStore reads recorded workouts.
type WorkoutStore interface {
	GetByID(ctx context.Context, id string) (*model.Workout, error)
	List(ctx context.Context, limit int) ([]*model.Workout, error)
}

// StatusSource reports the live relay state.
type StatusSource interface {
	Status() ws.Status
}

// WorkoutHandler handles HTTP requests for workout history and relay status.
type WorkoutHandler struct {
	store  WorkoutStore
	status StatusSource
}

// NewWorkoutHandler creates a new WorkoutHandler.
func NewWorkoutHandler(store WorkoutStore, status StatusSource) *WorkoutHandler {
	return &WorkoutHandler{
		store:  store,
		status: status,
	}
}

// WorkoutResponse represents a workout in API responses.
type WorkoutResponse struct {
	ID            string `json:"id"`
	WorkoutType   string `json:"workoutType"`
	Distance      uint32 `json:"distance,omitempty"`
	Time          uint32 `json:"time,omitempty"`
	SplitDistance uint32 `json:"splitDistance,omitempty"`
	SplitTime     uint32 `json:"splitTime,omitempty"`
	Active        bool   `json:"active"`
	Duration      string `json:"duration"`
	StartedAt     string `json:"startedAt"`
	EndedAt       string `json:"endedAt,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toWorkoutResponse(w *model.Workout) *WorkoutResponse {
	resp := &WorkoutResponse{
		ID:            w.ID,
		WorkoutType:   w.Params.WorkoutType,
		Distance:      w.Params.Distance,
		Time:          w.Params.Time,
		SplitDistance: w.Params.SplitDistance,
		SplitTime:     w.Params.SplitTime,
		Active:        w.Active(),
		Duration:      formatDuration(w.Duration()),
		StartedAt:     w.StartedAt.Format(time.RFC3339),
	}
	if w.EndedAt != nil {
		resp.EndedAt = w.EndedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// Status handles GET /api/status.
func (h *WorkoutHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Status())
}

// List handles GET /api/workouts?limit=N.
func (h *WorkoutHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	workouts, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list workouts: "+err.Error())
		return
	}

	resp := make([]*WorkoutResponse, 0, len(workouts))
	for _, w := range workouts {
		resp = append(resp, toWorkoutResponse(w))
	}
	c.JSON(http.StatusOK, gin.H{"workouts": resp})
}

// Get handles GET /api/workouts/:id.
func (h *WorkoutHandler) Get(c *gin.Context) {
	id := c.Param("id")

	w, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrWorkoutNotFound) {
			sendError(c, http.StatusNotFound, "WORKOUT_NOT_FOUND", "Workout "+id+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get workout: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toWorkoutResponse(w))
}

// RegisterRoutes registers the workout routes on a Gin router group.
func (h *WorkoutHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
	rg.GET("/workouts", h.List)
	rg.GET("/workouts/:id", h.Get)
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
