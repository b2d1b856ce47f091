package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event is a usage record emitted after a metered action.
type Event struct {
	Name       string    `json:"name"`
	UserID     uuid.UUID `json:"user_id"`
	TaskID     uuid.UUID `json:"task_id,omitempty"`
	TokensCost int       `json:"tokens_cost"`
	ImageCount int       `json:"image_count,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Emitter records usage events. Implementations must never block the caller.
type Emitter interface {
	Emit(event Event)
}

// NoopEmitter drops every event. Used when telemetry is not configured.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// HTTPEmitter ships events to a collector endpoint from a background
// goroutine. Events are dropped, not queued unboundedly, when the collector
// falls behind.
type HTTPEmitter struct {
	url        string
	httpClient *http.Client
	events     chan Event
}

func NewHTTPEmitter(url string) *HTTPEmitter {
	e := &HTTPEmitter{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		events:     make(chan Event, 256),
	}
	go e.run()
	return e
}

// Emit enqueues the event, dropping it if the buffer is full.
func (e *HTTPEmitter) Emit(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	select {
	case e.events <- event:
	default:
		log.Warn().Str("event", event.Name).Msg("Telemetry buffer full, dropping event")
	}
}

func (e *HTTPEmitter) run() {
	for event := range e.events {
		e.send(event)
	}
}

func (e *HTTPEmitter) send(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("event", event.Name).Msg("Telemetry delivery failed")
		return
	}
	resp.Body.Close()
}
