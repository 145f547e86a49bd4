package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ergometer-live/backend/internal/model"
)

// Event directions.
const (
	DirectionIn  = "i" // received from the server
	DirectionOut = "o" // sent to the server
)

// RecordingHeader is the first line of a recording.
type RecordingHeader struct {
	Version   int    `json:"version"`
	Endpoint  string `json:"endpoint,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RecordedEvent is a single line of a recording.
// Format: [time_offset, direction, envelope]
type RecordedEvent struct {
	TimeOffset float64
	Direction  string
	Envelope   model.Envelope
}

// MarshalJSON encodes the event as a three-element array.
func (e RecordedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Direction, e.Envelope})
}

// UnmarshalJSON decodes the three-element array form.
func (e *RecordedEvent) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.TimeOffset); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Direction); err != nil {
		return fmt.Errorf("invalid direction: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Envelope); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

// Recorder writes envelope traffic as JSON lines for offline inspection.
// Recordings are never read back by the session.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewRecorder creates a Recorder that writes to the given file path.
func NewRecorder(filePath string) (*Recorder, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	return &Recorder{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}, nil
}

// NewRecorderWithWriter creates a Recorder that writes to w.
func NewRecorderWithWriter(w io.Writer) *Recorder {
	return &Recorder{
		writer:    w,
		startTime: time.Now(),
	}
}

// WriteHeader writes the recording header. Call once before any event.
func (r *Recorder) WriteHeader(endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := RecordingHeader{
		Version:   1,
		Endpoint:  endpoint,
		Timestamp: r.startTime.Unix(),
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// RecordIn records an envelope received from the server.
func (r *Recorder) RecordIn(env model.Envelope) error {
	return r.writeEvent(DirectionIn, env)
}

// RecordOut records an envelope sent to the server.
func (r *Recorder) RecordOut(env model.Envelope) error {
	return r.writeEvent(DirectionOut, env)
}

func (r *Recorder) writeEvent(direction string, env model.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event := RecordedEvent{
		TimeOffset: time.Since(r.startTime).Seconds(),
		Direction:  direction,
		Envelope:   env,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the recording file if the Recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
