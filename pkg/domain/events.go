package domain

import (
	"bytes"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/HMasataka/carelink/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventName identifies a wire or lifecycle event. Wire names are a contract
// with the server and must not change.
type EventName string

// Wire events
const (
	EventAuthenticate EventName = "authenticate"
	EventConnectAck   EventName = "connect"
	EventAuthSuccess  EventName = "authentication:success"
	EventAuthError    EventName = "authentication:error"
	EventJoinRoom     EventName = "join:room"
	EventLeaveRoom    EventName = "leave:room"
	EventNewMessage   EventName = "chat:new_message"
	EventTypingStart  EventName = "chat:typing:start"
	EventTypingStop   EventName = "chat:typing:stop"
	EventAIChunk      EventName = "ai:message:chunk"
	EventAIComplete   EventName = "ai:message:complete"
	EventAIError      EventName = "ai:message:error"
	EventUserOnline   EventName = "user:online"
	EventUserOffline  EventName = "user:offline"
)

// Lifecycle events are published locally by the client and never sent.
const (
	EventStateChange  EventName = "connection:state"
	EventReconnecting EventName = "connection:reconnecting"
	EventGaveUp       EventName = "connection:gave_up"
	EventAuthFailed   EventName = "connection:auth_failed"
	EventError        EventName = "connection:error"
)

// IsLifecycle reports whether name is a local lifecycle event.
func (n EventName) IsLifecycle() bool {
	switch n {
	case EventStateChange, EventReconnecting, EventGaveUp, EventAuthFailed, EventError:
		return true
	}
	return false
}

// Family groups related events by dropping the last segment of the name:
// "ai:message:chunk" and "ai:message:complete" share "ai:message". A name
// without a colon is its own family.
func (n EventName) Family() string {
	s := string(n)
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}

// Payload is implemented by every typed event payload.
type Payload interface {
	EventName() EventName
	Validate() error
}

func missing(name EventName, field string) error {
	return errors.New(errors.ErrorTypeValidation, "MISSING_FIELD", "payload is missing a required field").
		WithDetails(string(name) + "." + field)
}

// Authenticate carries the credential presented at handshake.
type Authenticate struct {
	Token string `json:"token"`
}

func (Authenticate) EventName() EventName { return EventAuthenticate }

func (p Authenticate) Validate() error {
	if p.Token == "" {
		return missing(EventAuthenticate, "token")
	}
	return nil
}

// AuthSuccess acknowledges a handshake. Servers may send either
// "authentication:success" or "connect"; both decode to this type.
type AuthSuccess struct {
	UserID string `json:"userId,omitempty"`
}

func (AuthSuccess) EventName() EventName { return EventAuthSuccess }
func (AuthSuccess) Validate() error      { return nil }

// AuthError rejects a handshake or revokes a live session.
type AuthError struct {
	Reason string `json:"reason"`
}

func (AuthError) EventName() EventName { return EventAuthError }
func (AuthError) Validate() error      { return nil }

// RoomRequest is the payload of join:room and leave:room. On the wire it is
// the bare groupId string.
type RoomRequest struct {
	Leave   bool   `json:"-"`
	GroupID string `json:"groupId"`
}

func (p RoomRequest) EventName() EventName {
	if p.Leave {
		return EventLeaveRoom
	}
	return EventJoinRoom
}

func (p RoomRequest) Validate() error {
	if p.GroupID == "" {
		return missing(p.EventName(), "groupId")
	}
	return nil
}

func (p RoomRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.GroupID)
}

func (p *RoomRequest) UnmarshalJSON(data []byte) error {
	id, err := groupIDFrom(data)
	if err != nil {
		return err
	}
	p.GroupID = id
	return nil
}

// Sender describes the author of a chat message.
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ChatMessage is a new message in a group chat.
type ChatMessage struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt,omitempty"`
	Sender    Sender `json:"sender"`
	GroupID   string `json:"groupId,omitempty"`
}

func (ChatMessage) EventName() EventName { return EventNewMessage }

func (p ChatMessage) Validate() error {
	if p.ID == "" {
		return missing(EventNewMessage, "id")
	}
	return nil
}

// Typing is a typing indicator. Clients send only the groupId (a bare
// string); servers relay {userId, groupId}.
type Typing struct {
	Stop    bool   `json:"-"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId"`
}

func (p Typing) EventName() EventName {
	if p.Stop {
		return EventTypingStop
	}
	return EventTypingStart
}

func (p Typing) Validate() error {
	if p.GroupID == "" {
		return missing(p.EventName(), "groupId")
	}
	return nil
}

func (p Typing) MarshalJSON() ([]byte, error) {
	if p.UserID == "" {
		return json.Marshal(p.GroupID)
	}
	type plain Typing
	return json.Marshal(plain(p))
}

func (p *Typing) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &p.GroupID)
	}

	type plain Typing
	var v plain
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	p.UserID = v.UserID
	p.GroupID = v.GroupID
	return nil
}

// AIChunk is an incremental piece of an AI-generated message.
type AIChunk struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

func (AIChunk) EventName() EventName { return EventAIChunk }

func (p AIChunk) Validate() error {
	if p.SessionID == "" {
		return missing(EventAIChunk, "sessionId")
	}
	return nil
}

// AIComplete marks an AI stream as done.
type AIComplete struct {
	SessionID string `json:"sessionId"`
	Completed bool   `json:"completed"`
}

func (AIComplete) EventName() EventName { return EventAIComplete }

func (p AIComplete) Validate() error {
	if p.SessionID == "" {
		return missing(EventAIComplete, "sessionId")
	}
	return nil
}

// AIError marks an AI stream as failed.
type AIError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

func (AIError) EventName() EventName { return EventAIError }

func (p AIError) Validate() error {
	if p.SessionID == "" {
		return missing(EventAIError, "sessionId")
	}
	return nil
}

// Presence reports a user going online or offline.
type Presence struct {
	Online bool   `json:"-"`
	UserID string `json:"userId"`
}

func (p Presence) EventName() EventName {
	if p.Online {
		return EventUserOnline
	}
	return EventUserOffline
}

func (p Presence) Validate() error {
	if p.UserID == "" {
		return missing(p.EventName(), "userId")
	}
	return nil
}

// StateChange is published whenever the connection state changes.
type StateChange struct {
	Old   ConnectionState
	New   ConnectionState
	Epoch uint64
	Err   error
}

func (StateChange) EventName() EventName { return EventStateChange }
func (StateChange) Validate() error      { return nil }

// Reconnecting is published before each reconnect attempt.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

func (Reconnecting) EventName() EventName { return EventReconnecting }
func (Reconnecting) Validate() error      { return nil }

// GaveUp is published once the reconnect ceiling has been exceeded.
type GaveUp struct {
	Attempts int
	Err      error
}

func (GaveUp) EventName() EventName { return EventGaveUp }
func (GaveUp) Validate() error      { return nil }

// AuthFailed is published when the server rejects the credential.
type AuthFailed struct {
	Reason string
}

func (AuthFailed) EventName() EventName { return EventAuthFailed }
func (AuthFailed) Validate() error      { return nil }

// ConnectionError reports a mid-session error. Event is set when the error
// concerns a specific inbound frame.
type ConnectionError struct {
	Event EventName
	Err   error
}

func (ConnectionError) EventName() EventName { return EventError }
func (ConnectionError) Validate() error      { return nil }

func groupIDFrom(data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var id string
		err := json.Unmarshal(trimmed, &id)
		return id, err
	}

	var obj struct {
		GroupID string `json:"groupId"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", err
	}
	return obj.GroupID, nil
}
