package orchestrator

import "github.com/sells-group/scout/internal/model"

// EventKind identifies one progress event type.
type EventKind string

const (
	EventQueryStarted    EventKind = "query_started"
	EventProviderResult  EventKind = "provider_result"
	EventProviderError   EventKind = "provider_error"
	EventProviderSkipped EventKind = "provider_skipped"
	EventQueryFinished   EventKind = "query_finished"
)

// ErrorKind classifies a provider_error event.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
	ErrorCanceled  ErrorKind = "canceled"
)

// Event is one entry in the ordered progress stream. Hash is always set;
// the remaining fields depend on Kind. provider_error events may repeat
// for the same (hash, provider) when transient failures are retried, so
// consumers must tolerate at-least-once delivery.
type Event struct {
	Kind     EventKind `json:"kind"`
	Hash     string    `json:"hash"`
	Provider string    `json:"provider,omitempty"`
	Count    int       `json:"count,omitempty"`
	ErrKind  ErrorKind `json:"error_kind,omitempty"`
	Detail   string    `json:"detail,omitempty"`

	// query_finished only.
	Status       model.CheckpointStatus `json:"status,omitempty"`
	NewCount     int                    `json:"new_count,omitempty"`
	UpdatedCount int                    `json:"updated_count,omitempty"`
}

// EventFunc consumes progress events. Called synchronously from the
// fan-out path, so implementations must be fast and must not block.
type EventFunc func(Event)

func (o *Orchestrator) emit(ev Event) {
	if o.events != nil {
		o.events(ev)
	}
}
