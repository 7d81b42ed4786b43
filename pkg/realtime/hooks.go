package realtime

import (
	"context"

	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/eventbus"
)

// on subscribes fn to name, passing only payloads of type T
func on[T domain.Payload](c *Client, name domain.EventName, fn func(T)) func() {
	return c.bus.Subscribe(name, func(e *eventbus.Event) {
		if p, ok := e.Payload.(T); ok {
			fn(p)
		}
	})
}

// On subscribes to raw events of one name
func (c *Client) On(name domain.EventName, handler eventbus.Handler) func() {
	return c.bus.Subscribe(name, handler)
}

// JoinRoom is a shorthand for Rooms().Join
func (c *Client) JoinRoom(ctx context.Context, groupID string) error {
	return c.rooms.Join(ctx, groupID)
}

// LeaveRoom is a shorthand for Rooms().Leave
func (c *Client) LeaveRoom(ctx context.Context, groupID string) error {
	return c.rooms.Leave(ctx, groupID)
}

// StartTyping tells the room the user started typing
func (c *Client) StartTyping(ctx context.Context, groupID string) error {
	return c.Emit(ctx, domain.Typing{GroupID: groupID})
}

// StopTyping tells the room the user stopped typing
func (c *Client) StopTyping(ctx context.Context, groupID string) error {
	return c.Emit(ctx, domain.Typing{GroupID: groupID, Stop: true})
}

// OnNewMessage is called for every chat message of a joined room
func (c *Client) OnNewMessage(fn func(domain.ChatMessage)) func() {
	return on(c, domain.EventNewMessage, fn)
}

// OnTypingStart is called when a room mate starts typing
func (c *Client) OnTypingStart(fn func(domain.Typing)) func() {
	return on(c, domain.EventTypingStart, fn)
}

// OnTypingStop is called when a room mate stops typing
func (c *Client) OnTypingStop(fn func(domain.Typing)) func() {
	return on(c, domain.EventTypingStop, fn)
}

// OnAIMessageChunk is called for each piece of a streamed AI reply
func (c *Client) OnAIMessageChunk(fn func(domain.AIChunk)) func() {
	return on(c, domain.EventAIChunk, fn)
}

// OnAIMessageComplete is called when an AI reply is done
func (c *Client) OnAIMessageComplete(fn func(domain.AIComplete)) func() {
	return on(c, domain.EventAIComplete, fn)
}

// OnAIMessageError is called when an AI reply fails
func (c *Client) OnAIMessageError(fn func(domain.AIError)) func() {
	return on(c, domain.EventAIError, fn)
}

// OnUserOnline is called when a user comes online
func (c *Client) OnUserOnline(fn func(domain.Presence)) func() {
	return on(c, domain.EventUserOnline, fn)
}

// OnUserOffline is called when a user goes offline
func (c *Client) OnUserOffline(fn func(domain.Presence)) func() {
	return on(c, domain.EventUserOffline, fn)
}

// OnStateChange is called on every connection state transition
func (c *Client) OnStateChange(fn func(domain.StateChange)) func() {
	return on(c, domain.EventStateChange, fn)
}

// OnReconnecting is called before each reconnect attempt
func (c *Client) OnReconnecting(fn func(domain.Reconnecting)) func() {
	return on(c, domain.EventReconnecting, fn)
}

// OnGaveUp is called once the reconnect ceiling is reached
func (c *Client) OnGaveUp(fn func(domain.GaveUp)) func() {
	return on(c, domain.EventGaveUp, fn)
}

// OnAuthFailed is called when the server rejects the credential
func (c *Client) OnAuthFailed(fn func(domain.AuthFailed)) func() {
	return on(c, domain.EventAuthFailed, fn)
}

// OnError is called for mid-session errors such as undecodable frames
func (c *Client) OnError(fn func(domain.ConnectionError)) func() {
	return on(c, domain.EventError, fn)
}
