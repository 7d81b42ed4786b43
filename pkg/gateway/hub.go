package gateway

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
	"github.com/HMasataka/carelink/pkg/transport/protocol"
)

type client struct {
	conn   domain.Conn
	userID string
	rooms  map[string]struct{}
}

// Hub tracks authenticated connections and the rooms they joined
type Hub struct {
	codec       protocol.Codec
	logger      *logging.Logger
	metrics     *Metrics
	sendTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*client
	users   map[string]int
	rooms   map[string]map[string]*client

	// Statistics
	framesIn  atomic.Int64
	framesOut atomic.Int64
	startTime time.Time
}

// NewHub creates a new hub
func NewHub(codec protocol.Codec, logger *logging.Logger, metrics *Metrics) *Hub {
	if codec == nil {
		codec = protocol.NewJSONCodec(nil)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Hub{
		codec:       codec,
		logger:      logger,
		metrics:     metrics,
		sendTimeout: 5 * time.Second,
		clients:     make(map[string]*client),
		users:       make(map[string]int),
		rooms:       make(map[string]map[string]*client),
		startTime:   time.Now(),
	}
}

// Register adds an authenticated connection. The first connection of a
// user is announced to everyone else as user:online.
func (h *Hub) Register(conn domain.Conn, userID string) {
	h.mu.Lock()
	if _, exists := h.clients[conn.ID()]; exists {
		h.mu.Unlock()
		h.logger.Warn("client already registered", "conn_id", conn.ID())
		return
	}

	h.clients[conn.ID()] = &client{conn: conn, userID: userID, rooms: make(map[string]struct{})}
	h.users[userID]++
	first := h.users[userID] == 1

	var others []*client
	if first {
		others = h.othersLocked(userID)
	}
	h.updateGaugesLocked()
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered",
		"conn_id", conn.ID(),
		"user_id", userID,
		"total_clients", total,
	)

	if first {
		h.send(others, domain.Presence{Online: true, UserID: userID})
	}
}

// Unregister removes a connection and its room memberships. The last
// connection of a user is announced as user:offline.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}

	delete(h.clients, connID)
	for groupID := range c.rooms {
		h.leaveLocked(c, groupID)
	}

	h.users[c.userID]--
	last := h.users[c.userID] == 0

	var others []*client
	if last {
		delete(h.users, c.userID)
		others = h.othersLocked(c.userID)
	}
	h.updateGaugesLocked()
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client unregistered",
		"conn_id", connID,
		"user_id", c.userID,
		"total_clients", total,
	)

	if last {
		h.send(others, domain.Presence{UserID: c.userID})
	}
}

// Handle dispatches a decoded frame from connID
func (h *Hub) Handle(connID string, p domain.Payload) {
	h.framesIn.Add(1)
	h.metrics.frame("in")

	switch v := p.(type) {
	case domain.RoomRequest:
		if v.Leave {
			h.Leave(connID, v.GroupID)
		} else {
			h.Join(connID, v.GroupID)
		}
	case domain.Typing:
		h.relayTyping(connID, v)
	case domain.Authenticate:
		h.logger.Debug("repeated authenticate ignored", "conn_id", connID)
	default:
		h.logger.Debug("event not handled by gateway", "conn_id", connID, "event", p.EventName())
	}
}

// Join adds connID to groupID. It reports false if it was already a member.
func (h *Hub) Join(connID, groupID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	if _, joined := c.rooms[groupID]; joined {
		h.logger.Debug("join ignored, already a member", "conn_id", connID, "group_id", groupID)
		return false
	}

	c.rooms[groupID] = struct{}{}
	members, ok := h.rooms[groupID]
	if !ok {
		members = make(map[string]*client)
		h.rooms[groupID] = members
	}
	members[connID] = c
	h.updateGaugesLocked()

	h.logger.Debug("joined room", "conn_id", connID, "user_id", c.userID, "group_id", groupID)
	return true
}

// Leave removes connID from groupID. It reports false if it was not a member.
func (h *Hub) Leave(connID, groupID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	if _, joined := c.rooms[groupID]; !joined {
		return false
	}
	h.leaveLocked(c, groupID)
	h.updateGaugesLocked()
	return true
}

func (h *Hub) leaveLocked(c *client, groupID string) {
	delete(c.rooms, groupID)
	members := h.rooms[groupID]
	delete(members, c.conn.ID())
	if len(members) == 0 {
		delete(h.rooms, groupID)
	}
}

// relayTyping forwards a typing indicator to the other users in the room
func (h *Hub) relayTyping(connID string, t domain.Typing) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	if _, joined := c.rooms[t.GroupID]; !joined {
		h.mu.RUnlock()
		h.logger.Debug("typing for a room not joined dropped", "conn_id", connID, "group_id", t.GroupID)
		return
	}

	var targets []*client
	for _, member := range h.rooms[t.GroupID] {
		if member.userID != c.userID {
			targets = append(targets, member)
		}
	}
	h.mu.RUnlock()

	t.UserID = c.userID
	h.send(targets, t)
}

// PublishMessage delivers msg to every member of msg.GroupID and returns
// the number of connections reached.
func (h *Hub) PublishMessage(ctx context.Context, msg domain.ChatMessage) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if msg.GroupID == "" {
		return 0, errors.New(errors.ErrorTypeValidation, "MISSING_FIELD", "message has no group").WithDetails("groupId")
	}
	return h.send(h.members(msg.GroupID), msg), nil
}

// StreamAI sends chunks for sessionID to the room followed by a completion
func (h *Hub) StreamAI(ctx context.Context, groupID, sessionID string, chunks []string) error {
	if sessionID == "" {
		return errors.New(errors.ErrorTypeValidation, "MISSING_FIELD", "stream has no session").WithDetails("sessionId")
	}

	for _, content := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.send(h.members(groupID), domain.AIChunk{SessionID: sessionID, Content: content})
	}
	h.send(h.members(groupID), domain.AIComplete{SessionID: sessionID, Completed: true})
	return nil
}

// FailAI reports a failed stream to the room
func (h *Hub) FailAI(ctx context.Context, groupID, sessionID, reason string) error {
	if sessionID == "" {
		return errors.New(errors.ErrorTypeValidation, "MISSING_FIELD", "stream has no session").WithDetails("sessionId")
	}
	h.send(h.members(groupID), domain.AIError{SessionID: sessionID, Error: reason})
	return nil
}

// Kick closes every connection of userID and returns how many were closed
func (h *Hub) Kick(userID string) int {
	targets := h.connsOf(userID)
	for _, c := range targets {
		c.conn.Close()
	}
	return len(targets)
}

// Revoke sends authentication:error to every connection of userID and
// closes them.
func (h *Hub) Revoke(userID, reason string) int {
	targets := h.connsOf(userID)
	h.send(targets, domain.AuthError{Reason: reason})
	for _, c := range targets {
		c.conn.Close()
	}
	return len(targets)
}

// Members returns the users in groupID, sorted
func (h *Hub) Members(groupID string) []string {
	var users []string
	for _, c := range h.members(groupID) {
		if !slices.Contains(users, c.userID) {
			users = append(users, c.userID)
		}
	}
	slices.Sort(users)
	return users
}

// Online reports whether userID has at least one connection
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID] > 0
}

// Stats returns hub statistics
func (h *Hub) Stats() domain.HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return domain.HubStats{
		Connections:  len(h.clients),
		Users:        len(h.users),
		Rooms:        len(h.rooms),
		FramesIn:     h.framesIn.Load(),
		FramesOut:    h.framesOut.Load(),
		UptimeSecond: time.Since(h.startTime).Seconds(),
	}
}

// Close closes every connection
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]domain.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
	h.logger.Info("hub closed", "closed_clients", len(conns))
}

func (h *Hub) members(groupID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]*client, 0, len(h.rooms[groupID]))
	for _, c := range h.rooms[groupID] {
		members = append(members, c)
	}
	return members
}

func (h *Hub) connsOf(userID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var conns []*client
	for _, c := range h.clients {
		if c.userID == userID {
			conns = append(conns, c)
		}
	}
	return conns
}

func (h *Hub) othersLocked(userID string) []*client {
	var others []*client
	for _, c := range h.clients {
		if c.userID != userID {
			others = append(others, c)
		}
	}
	return others
}

func (h *Hub) updateGaugesLocked() {
	h.metrics.gauges(len(h.clients), len(h.rooms))
}

// send encodes p once and queues it on every target. It returns the
// number of connections that accepted the frame.
func (h *Hub) send(targets []*client, p domain.Payload) int {
	if len(targets) == 0 {
		return 0
	}

	data, err := h.codec.Encode(p)
	if err != nil {
		h.logger.Error("failed to encode frame", "event", p.EventName(), "error", err)
		return 0
	}

	var sent int
	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
		err := c.conn.Send(ctx, data)
		cancel()

		if err != nil {
			h.logger.Error("failed to send to client",
				"conn_id", c.conn.ID(),
				"event", p.EventName(),
				"error", err,
			)
			continue
		}
		sent++
		h.framesOut.Add(1)
		h.metrics.frame("out")
	}
	return sent
}
