// Package credentials holds the opaque bearer token used by the realtime
// client and notifies interested parties when it changes.
package credentials

import (
	"context"
	"sync"

	"github.com/rs/xid"

	"github.com/HMasataka/carelink/pkg/errors"
)

// ErrNoToken is returned when nothing is stored.
var ErrNoToken = errors.New(errors.ErrorTypeUnauthorized, "NO_TOKEN", "no token stored")

// Store persists the current token.
type Store interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// Watcher is implemented by stores that can report token changes. fn
// receives the new token, or "" after a clear.
type Watcher interface {
	Watch(fn func(token string)) (cancel func())
}

type watchers struct {
	mu  sync.RWMutex
	fns map[string]func(string)
}

func (w *watchers) Watch(fn func(token string)) func() {
	id := xid.New().String()

	w.mu.Lock()
	if w.fns == nil {
		w.fns = make(map[string]func(string))
	}
	w.fns[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.fns, id)
		w.mu.Unlock()
	}
}

func (w *watchers) notify(token string) {
	w.mu.RLock()
	fns := make([]func(string), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.RUnlock()

	for _, fn := range fns {
		fn(token)
	}
}

// MemoryStore keeps the token in process memory
type MemoryStore struct {
	watchers

	mu    sync.RWMutex
	token string
}

// NewMemoryStore creates a store holding token, which may be empty
func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

// Token implements Store
func (s *MemoryStore) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// SetToken implements Store. Watchers run only when the token changed.
func (s *MemoryStore) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return s.ClearToken(ctx)
	}

	s.mu.Lock()
	changed := s.token != token
	s.token = token
	s.mu.Unlock()

	if changed {
		s.notify(token)
	}
	return nil
}

// ClearToken implements Store
func (s *MemoryStore) ClearToken(ctx context.Context) error {
	s.mu.Lock()
	changed := s.token != ""
	s.token = ""
	s.mu.Unlock()

	if changed {
		s.notify("")
	}
	return nil
}
