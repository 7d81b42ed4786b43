// Package streaming assembles incremental AI responses from ordered chunks.
package streaming

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/xid"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
	"github.com/HMasataka/carelink/pkg/eventbus"
)

var (
	// ErrSessionForgotten is returned by Wait when the session was forgotten
	ErrSessionForgotten = errors.New(errors.ErrorTypeNotFound, "SESSION_FORGOTTEN", "streaming session was forgotten")

	// ErrStreamFailed is returned by Wait when the server reported an error
	ErrStreamFailed = errors.New(errors.ErrorTypeInternal, "STREAM_FAILED", "streaming response failed")
)

// State is the lifecycle of a streaming session
type State int

const (
	NotStarted State = iota
	Streaming
	Completed
	Errored
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further chunks are accepted
func (s State) Terminal() bool {
	return s == Completed || s == Errored
}

// Snapshot is a copy of a session
type Snapshot struct {
	SessionID string
	State     State
	Content   string
	Chunks    int
	Error     string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Update is delivered to watchers after every accepted change. Delta is the
// chunk just appended, if any.
type Update struct {
	Snapshot
	Delta string
}

type session struct {
	id        string
	state     State
	buf       strings.Builder
	chunks    int
	err       string
	started   time.Time
	updated   time.Time
	watchers  map[string]func(Update)
	waiters   int
	done      chan struct{}
	forgotten bool
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		SessionID: s.id,
		State:     s.state,
		Content:   s.buf.String(),
		Chunks:    s.chunks,
		Error:     s.err,
		StartedAt: s.started,
		UpdatedAt: s.updated,
	}
}

// Options represents assembler options
type Options struct {
	// MaxRetained bounds the finished sessions kept to recognize late chunks
	MaxRetained int
}

// DefaultOptions returns default assembler options
func DefaultOptions() Options {
	return Options{MaxRetained: 256}
}

// Assembler keeps one buffer per session. Chunks are appended in arrival
// order; once a session is completed or errored it accepts nothing more.
type Assembler struct {
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	active   map[string]*session
	retained *lru.Cache[string, *session]
	watchers map[string]func(Update)
	dropped  int
}

// NewAssembler creates a new assembler
func NewAssembler(options Options, logger *logging.Logger) (*Assembler, error) {
	if options.MaxRetained <= 0 {
		options.MaxRetained = DefaultOptions().MaxRetained
	}
	if logger == nil {
		logger = logging.Nop()
	}

	retained, err := lru.New[string, *session](options.MaxRetained)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_OPTIONS", "invalid retention size")
	}

	return &Assembler{
		logger:   logger.Component("streaming"),
		now:      time.Now,
		active:   make(map[string]*session),
		retained: retained,
		watchers: make(map[string]func(Update)),
	}, nil
}

// Attach feeds the assembler from bus. The returned func detaches it.
func (a *Assembler) Attach(bus eventbus.Bus) func() {
	disposers := []func(){
		bus.Subscribe(domain.EventAIChunk, a.handle),
		bus.Subscribe(domain.EventAIComplete, a.handle),
		bus.Subscribe(domain.EventAIError, a.handle),
	}

	return func() {
		for _, dispose := range disposers {
			dispose()
		}
	}
}

func (a *Assembler) handle(e *eventbus.Event) {
	switch p := e.Payload.(type) {
	case domain.AIChunk:
		a.Chunk(p)
	case domain.AIComplete:
		a.Complete(p)
	case domain.AIError:
		a.Fail(p)
	}
}

// Chunk appends c to its session, creating the session on the first chunk.
// It reports false if the session had already finished.
func (a *Assembler) Chunk(c domain.AIChunk) bool {
	a.mu.Lock()
	s := a.getLocked(c.SessionID, true)
	if s.state.Terminal() {
		a.dropped++
		a.mu.Unlock()
		a.logger.Debug("late chunk dropped", "session_id", c.SessionID, "state", s.state.String())
		return false
	}

	now := a.now()
	if s.state == NotStarted {
		s.started = now
	}
	s.state = Streaming
	s.buf.WriteString(c.Content)
	s.chunks++
	s.updated = now

	u := Update{Snapshot: s.snapshot(), Delta: c.Content}
	fns := a.watchersLocked(s)
	a.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
	return true
}

// Complete marks the session completed
func (a *Assembler) Complete(c domain.AIComplete) bool {
	return a.finish(c.SessionID, Completed, "")
}

// Fail marks the session errored. The buffer is kept.
func (a *Assembler) Fail(e domain.AIError) bool {
	return a.finish(e.SessionID, Errored, e.Error)
}

func (a *Assembler) finish(sessionID string, state State, reason string) bool {
	a.mu.Lock()
	s := a.getLocked(sessionID, true)
	if s.state.Terminal() {
		a.mu.Unlock()
		a.logger.Debug("duplicate terminal event ignored", "session_id", sessionID, "state", state.String())
		return false
	}

	now := a.now()
	if s.started.IsZero() {
		s.started = now
	}
	s.state = state
	s.err = reason
	s.updated = now

	delete(a.active, sessionID)
	a.retained.Add(sessionID, s)
	close(s.done)

	u := Update{Snapshot: s.snapshot()}
	fns := a.watchersLocked(s)
	s.watchers = nil
	a.mu.Unlock()

	if state == Errored {
		a.logger.Warn("streaming response failed", "session_id", sessionID, "error", reason)
	}
	for _, fn := range fns {
		fn(u)
	}
	return true
}

// Watch registers fn for updates of one session. Watching a session that
// has not started yet holds a placeholder until the first event arrives or
// the watch is cancelled.
func (a *Assembler) Watch(sessionID string, fn func(Update)) func() {
	id := xid.New().String()

	a.mu.Lock()
	s := a.getLocked(sessionID, true)
	if !s.state.Terminal() {
		if s.watchers == nil {
			s.watchers = make(map[string]func(Update))
		}
		s.watchers[id] = fn
	}
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(s.watchers, id)
		a.releaseLocked(s)
		a.mu.Unlock()
	}
}

// WatchAll registers fn for updates of every session
func (a *Assembler) WatchAll(fn func(Update)) func() {
	id := xid.New().String()

	a.mu.Lock()
	a.watchers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.watchers, id)
		a.mu.Unlock()
	}
}

// Forget drops a session locally. Nothing is sent to the server and late
// chunks for it will start a new session.
func (a *Assembler) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.active[sessionID]
	if ok {
		delete(a.active, sessionID)
		s.forgotten = true
		s.watchers = nil
		close(s.done)
	}
	a.retained.Remove(sessionID)
}

// Snapshot returns a copy of the session
func (a *Assembler) Snapshot(sessionID string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.getLocked(sessionID, false)
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Active returns the ids of sessions currently streaming, sorted
func (a *Assembler) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []string
	for id, s := range a.active {
		if s.state == Streaming {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Dropped returns the number of late chunks dropped so far
func (a *Assembler) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Wait blocks until the session completes or fails. A failed session
// returns its snapshot together with ErrStreamFailed.
func (a *Assembler) Wait(ctx context.Context, sessionID string) (Snapshot, error) {
	a.mu.Lock()
	s := a.getLocked(sessionID, true)
	s.waiters++
	done := s.done
	a.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s.waiters--
	if err != nil {
		a.releaseLocked(s)
		return Snapshot{}, err
	}

	if s.forgotten {
		return Snapshot{}, ErrSessionForgotten
	}
	snap := s.snapshot()
	if s.state == Errored {
		return snap, errors.New(ErrStreamFailed.Type, ErrStreamFailed.Code, ErrStreamFailed.Message).WithDetails(s.err)
	}
	return snap, nil
}

// getLocked finds a live or retained session, creating it if asked to
func (a *Assembler) getLocked(sessionID string, create bool) *session {
	if s, ok := a.active[sessionID]; ok {
		return s
	}
	if s, ok := a.retained.Get(sessionID); ok {
		return s
	}
	if !create {
		return nil
	}

	s := &session{id: sessionID, done: make(chan struct{})}
	a.active[sessionID] = s
	return s
}

// releaseLocked drops a placeholder nobody is interested in anymore
func (a *Assembler) releaseLocked(s *session) {
	if s.state != NotStarted || len(s.watchers) > 0 || s.waiters > 0 {
		return
	}
	if a.active[s.id] == s {
		delete(a.active, s.id)
	}
}

func (a *Assembler) watchersLocked(s *session) []func(Update) {
	fns := make([]func(Update), 0, len(s.watchers)+len(a.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	for _, fn := range a.watchers {
		fns = append(fns, fn)
	}
	return fns
}
