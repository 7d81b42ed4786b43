package realtime

import (
	"context"
	"slices"
	"sync"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
)

// RoomSet is an insertion-ordered set of group ids
type RoomSet struct {
	order []string
	index map[string]struct{}
}

// NewRoomSet creates an empty set
func NewRoomSet() *RoomSet {
	return &RoomSet{index: make(map[string]struct{})}
}

// Add reports whether id was not present
func (s *RoomSet) Add(id string) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Remove reports whether id was present
func (s *RoomSet) Remove(id string) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

func (s *RoomSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *RoomSet) Len() int {
	return len(s.order)
}

// Items returns the ids in insertion order
func (s *RoomSet) Items() []string {
	return slices.Clone(s.order)
}

// emitter is the part of the client the room manager needs
type emitter interface {
	// current returns the epoch of the live connection
	current() (epoch uint64, connected bool)

	// emitIn sends p only if epoch is still the live epoch
	emitIn(ctx context.Context, epoch uint64, p domain.Payload) error
}

// Rooms tracks the rooms the user wants to be in. The desired set outlives
// connections and is replayed once per epoch.
type Rooms struct {
	mu      sync.Mutex
	desired *RoomSet
	emitted map[string]uint64
	out     emitter
	logger  *logging.Logger
}

func newRooms(out emitter, logger *logging.Logger) *Rooms {
	return &Rooms{
		desired: NewRoomSet(),
		emitted: make(map[string]uint64),
		out:     out,
		logger:  logger.Component("rooms"),
	}
}

// Join records groupID and sends join:room now if connected. Otherwise the
// join goes out on the next connect.
func (r *Rooms) Join(ctx context.Context, groupID string) error {
	req := domain.RoomRequest{GroupID: groupID}
	if err := req.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.desired.Add(groupID)

	epoch, connected := r.out.current()
	if !connected || r.emitted[groupID] == epoch {
		return nil
	}

	r.emitLocked(ctx, epoch, req)
	return nil
}

// Leave forgets groupID and sends leave:room if connected. Unknown rooms
// are ignored.
func (r *Rooms) Leave(ctx context.Context, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.desired.Remove(groupID) {
		return nil
	}
	delete(r.emitted, groupID)

	epoch, connected := r.out.current()
	if !connected {
		return nil
	}

	req := domain.RoomRequest{GroupID: groupID, Leave: true}
	if err := r.out.emitIn(ctx, epoch, req); err != nil {
		r.logger.Warn("leave not sent", "group_id", groupID, "error", err)
	}
	return nil
}

// Desired returns the desired rooms in join order
func (r *Rooms) Desired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desired.Items()
}

// Joined returns the rooms already joined on the live connection
func (r *Rooms) Joined() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	epoch, connected := r.out.current()
	if !connected {
		return nil
	}

	var joined []string
	for _, id := range r.desired.Items() {
		if r.emitted[id] == epoch {
			joined = append(joined, id)
		}
	}
	return joined
}

// Clear drops every desired room without sending anything
func (r *Rooms) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.desired = NewRoomSet()
	r.emitted = make(map[string]uint64)
}

// replay joins every desired room not yet joined in epoch. A failed room
// stays pending for the next epoch and does not stop the others.
func (r *Rooms) replay(ctx context.Context, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.desired.Items() {
		if r.emitted[id] == epoch {
			continue
		}
		r.emitLocked(ctx, epoch, domain.RoomRequest{GroupID: id})
	}
}

func (r *Rooms) emitLocked(ctx context.Context, epoch uint64, req domain.RoomRequest) {
	if err := r.out.emitIn(ctx, epoch, req); err != nil {
		r.logger.Warn("join not sent", "group_id", req.GroupID, "epoch", epoch, "error", err)
		return
	}
	r.emitted[req.GroupID] = epoch
}
