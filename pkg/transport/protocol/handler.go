package protocol

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
)

// Factory turns raw frame data into a typed payload.
type Factory func(data []byte) (domain.Payload, error)

// Registry maps event names to payload factories
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.EventName]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[domain.EventName]Factory),
	}
}

// DefaultRegistry returns a registry that knows every wire event.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.EventAuthenticate, As[domain.Authenticate](nil))
	r.Register(domain.EventConnectAck, As[domain.AuthSuccess](nil))
	r.Register(domain.EventAuthSuccess, As[domain.AuthSuccess](nil))
	r.Register(domain.EventAuthError, As[domain.AuthError](nil))
	r.Register(domain.EventJoinRoom, As[domain.RoomRequest](nil))
	r.Register(domain.EventLeaveRoom, As(func(p *domain.RoomRequest) { p.Leave = true }))
	r.Register(domain.EventNewMessage, As[domain.ChatMessage](nil))
	r.Register(domain.EventTypingStart, As[domain.Typing](nil))
	r.Register(domain.EventTypingStop, As(func(p *domain.Typing) { p.Stop = true }))
	r.Register(domain.EventAIChunk, As[domain.AIChunk](nil))
	r.Register(domain.EventAIComplete, As[domain.AIComplete](nil))
	r.Register(domain.EventAIError, As[domain.AIError](nil))
	r.Register(domain.EventUserOnline, As(func(p *domain.Presence) { p.Online = true }))
	r.Register(domain.EventUserOffline, As[domain.Presence](nil))
	return r
}

// As builds a Factory that unmarshals into T and then applies fix, which
// sets fields the wire form does not carry.
func As[T domain.Payload](fix func(*T)) Factory {
	return func(data []byte) (domain.Payload, error) {
		var p T
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			if err := json.Unmarshal(trimmed, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
			}
		}
		if fix != nil {
			fix(&p)
		}
		return p, nil
	}
}

// Register registers a factory for an event name
func (r *Registry) Register(name domain.EventName, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get retrieves the factory for an event name
func (r *Registry) Get(name domain.EventName) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	return factory, ok
}

// Decode builds and validates the payload carried by f.
func (r *Registry) Decode(f *Frame) (domain.Payload, error) {
	factory, ok := r.Get(f.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEvent, f.Event)
	}

	p, err := factory(f.Data)
	if err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, domain.ErrInvalidPayload.Code, "payload failed validation")
	}
	return p, nil
}
