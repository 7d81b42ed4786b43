package eventbus

import (
	"time"

	"github.com/rs/xid"

	"github.com/HMasataka/carelink/pkg/domain"
)

// Direction tells taps where an event came from
type Direction int

const (
	// Inbound events were received from the server
	Inbound Direction = iota
	// Outbound events were sent to the server
	Outbound
	// Local events were produced by the client itself
	Local
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "in"
	case Outbound:
		return "out"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// Event represents one dispatched event
type Event struct {
	ID        string            `json:"id"`
	Name      domain.EventName  `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Epoch     uint64            `json:"epoch"`
	Direction Direction         `json:"direction"`
	Payload   domain.Payload    `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates a new event named after its payload
func NewEvent(dir Direction, epoch uint64, payload domain.Payload) *Event {
	return &Event{
		ID:        xid.New().String(),
		Name:      payload.EventName(),
		Timestamp: time.Now(),
		Epoch:     epoch,
		Direction: dir,
		Payload:   payload,
	}
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
