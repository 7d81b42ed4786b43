// Package presence derives who is online and who is typing where from raw
// realtime events.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/eventbus"
)

// Options represents tracker options
type Options struct {
	// TypingTimeout is how long a typing entry lives without a refresh
	TypingTimeout time.Duration

	// CleanupInterval is the period of the expiry sweep started by Start
	CleanupInterval time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns default tracker options
func DefaultOptions() Options {
	return Options{
		TypingTimeout:   5 * time.Second,
		CleanupInterval: time.Second,
		Now:             time.Now,
	}
}

// ChangeKind identifies a state change
type ChangeKind int

const (
	TypingStarted ChangeKind = iota
	TypingStopped
	TypingExpired
	WentOnline
	WentOffline
)

func (k ChangeKind) String() string {
	switch k {
	case TypingStarted:
		return "typing_started"
	case TypingStopped:
		return "typing_stopped"
	case TypingExpired:
		return "typing_expired"
	case WentOnline:
		return "online"
	case WentOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Change is delivered to watchers for every effective state change
type Change struct {
	Kind    ChangeKind
	UserID  string
	GroupID string
}

// State is the last known presence of a user
type State struct {
	Online    bool
	UpdatedAt time.Time
}

type typingEntry struct {
	groupID   string
	expiresAt time.Time
}

// Tracker keeps typing and presence state. Typing entries are keyed by
// user, so a user types in at most one room at a time. Presence never
// expires; only explicit events change it.
type Tracker struct {
	options Options
	logger  *logging.Logger

	mu       sync.RWMutex
	typing   map[string]typingEntry
	presence map[string]State
	watchers map[string]func(Change)

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewTracker creates a new tracker
func NewTracker(options Options, logger *logging.Logger) *Tracker {
	defaults := DefaultOptions()
	if options.TypingTimeout <= 0 {
		options.TypingTimeout = defaults.TypingTimeout
	}
	if options.CleanupInterval <= 0 {
		options.CleanupInterval = defaults.CleanupInterval
	}
	if options.Now == nil {
		options.Now = defaults.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Tracker{
		options:     options,
		logger:      logger.Component("presence"),
		typing:      make(map[string]typingEntry),
		presence:    make(map[string]State),
		watchers:    make(map[string]func(Change)),
		stopCleanup: make(chan struct{}),
	}
}

// Attach feeds the tracker from bus. The returned func detaches it.
func (t *Tracker) Attach(bus eventbus.Bus) func() {
	disposers := []func(){
		bus.Subscribe(domain.EventTypingStart, t.handle),
		bus.Subscribe(domain.EventTypingStop, t.handle),
		bus.Subscribe(domain.EventUserOnline, t.handle),
		bus.Subscribe(domain.EventUserOffline, t.handle),
	}

	return func() {
		for _, dispose := range disposers {
			dispose()
		}
	}
}

func (t *Tracker) handle(e *eventbus.Event) {
	switch p := e.Payload.(type) {
	case domain.Typing:
		if p.Stop {
			t.TypingStopped(p)
		} else {
			t.TypingStarted(p)
		}
	case domain.Presence:
		if p.Online {
			t.SetOnline(p.UserID)
		} else {
			t.SetOffline(p.UserID)
		}
	}
}

// TypingStarted records that ev.UserID is typing in ev.GroupID. A repeat
// only refreshes the expiry.
func (t *Tracker) TypingStarted(ev domain.Typing) {
	if ev.UserID == "" || ev.GroupID == "" {
		t.logger.Debug("typing event without user or group ignored")
		return
	}

	now := t.options.Now()

	t.mu.Lock()
	prev, ok := t.typing[ev.UserID]
	if ok && !prev.expiresAt.After(now) {
		ok = false
	}
	t.typing[ev.UserID] = typingEntry{groupID: ev.GroupID, expiresAt: now.Add(t.options.TypingTimeout)}
	t.mu.Unlock()

	switch {
	case !ok:
		t.notify(Change{Kind: TypingStarted, UserID: ev.UserID, GroupID: ev.GroupID})
	case prev.groupID != ev.GroupID:
		t.notify(Change{Kind: TypingStopped, UserID: ev.UserID, GroupID: prev.groupID})
		t.notify(Change{Kind: TypingStarted, UserID: ev.UserID, GroupID: ev.GroupID})
	}
}

// TypingStopped removes the entry for ev.UserID if it is in ev.GroupID
func (t *Tracker) TypingStopped(ev domain.Typing) {
	t.mu.Lock()
	prev, ok := t.typing[ev.UserID]
	if !ok || prev.groupID != ev.GroupID {
		t.mu.Unlock()
		return
	}
	delete(t.typing, ev.UserID)
	t.mu.Unlock()

	t.notify(Change{Kind: TypingStopped, UserID: ev.UserID, GroupID: ev.GroupID})
}

// TypingUsers returns the users typing in groupID, sorted. An empty
// groupID matches every room.
func (t *Tracker) TypingUsers(groupID string) []string {
	now := t.options.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var users []string
	for userID, entry := range t.typing {
		if !entry.expiresAt.After(now) {
			continue
		}
		if groupID == "" || entry.groupID == groupID {
			users = append(users, userID)
		}
	}
	slices.Sort(users)
	return users
}

// IsTyping reports whether userID is typing in groupID ("" for any room)
func (t *Tracker) IsTyping(userID, groupID string) bool {
	now := t.options.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.typing[userID]
	if !ok || !entry.expiresAt.After(now) {
		return false
	}
	return groupID == "" || entry.groupID == groupID
}

// SetOnline marks userID online
func (t *Tracker) SetOnline(userID string) {
	t.setPresence(userID, true)
}

// SetOffline marks userID offline and drops any typing entry
func (t *Tracker) SetOffline(userID string) {
	t.setPresence(userID, false)
}

func (t *Tracker) setPresence(userID string, online bool) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	prev, known := t.presence[userID]
	t.presence[userID] = State{Online: online, UpdatedAt: t.options.Now()}

	var stopped *Change
	if !online {
		if entry, ok := t.typing[userID]; ok {
			delete(t.typing, userID)
			stopped = &Change{Kind: TypingStopped, UserID: userID, GroupID: entry.groupID}
		}
	}
	t.mu.Unlock()

	if stopped != nil {
		t.notify(*stopped)
	}

	if known && prev.Online == online {
		return
	}
	kind := WentOffline
	if online {
		kind = WentOnline
	}
	t.notify(Change{Kind: kind, UserID: userID})
}

// Status returns the last known presence of userID
func (t *Tracker) Status(userID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.presence[userID]
	return s, ok
}

// OnlineUsers returns every user last seen online, sorted
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var users []string
	for userID, s := range t.presence {
		if s.Online {
			users = append(users, userID)
		}
	}
	slices.Sort(users)
	return users
}

// Watch registers fn for state changes. The returned func cancels it.
func (t *Tracker) Watch(fn func(Change)) func() {
	id := xid.New().String()

	t.mu.Lock()
	t.watchers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

// CleanupExpired removes typing entries past their expiry and returns how
// many were removed.
func (t *Tracker) CleanupExpired() int {
	now := t.options.Now()

	t.mu.Lock()
	var expired []Change
	for userID, entry := range t.typing {
		if !entry.expiresAt.After(now) {
			delete(t.typing, userID)
			expired = append(expired, Change{Kind: TypingExpired, UserID: userID, GroupID: entry.groupID})
		}
	}
	t.mu.Unlock()

	for _, c := range expired {
		t.notify(c)
	}
	return len(expired)
}

// Start runs the expiry sweep until ctx is done or Stop is called
func (t *Tracker) Start(ctx context.Context) {
	go t.cleanupLoop(ctx)
	t.logger.Debug("typing cleanup started", "interval", t.options.CleanupInterval)
}

// Stop stops the expiry sweep
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCleanup) })
}

func (t *Tracker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(t.options.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := t.CleanupExpired(); n > 0 {
				t.logger.Debug("expired typing indicators removed", "count", n)
			}
		case <-ctx.Done():
			return
		case <-t.stopCleanup:
			return
		}
	}
}

func (t *Tracker) notify(c Change) {
	t.mu.RLock()
	fns := make([]func(Change), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
