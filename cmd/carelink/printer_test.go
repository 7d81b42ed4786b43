package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/presence"
	"github.com/HMasataka/carelink/pkg/streaming"
)

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	p.message(domain.ChatMessage{ID: "m1", GroupID: "g1", Message: "hi", Sender: domain.Sender{ID: "u1"}})
	p.message(domain.ChatMessage{ID: "m2", GroupID: "g1", Message: "hello", Sender: domain.Sender{ID: "u2", Name: "Nurse Kim"}})
	p.change(presence.Change{Kind: presence.TypingStarted, UserID: "u2", GroupID: "g1"})
	p.change(presence.Change{Kind: presence.WentOffline, UserID: "u2"})
	p.update(streaming.Update{Snapshot: streaming.Snapshot{SessionID: "s1", State: streaming.Streaming, Content: "Hel"}})
	p.update(streaming.Update{Snapshot: streaming.Snapshot{SessionID: "s1", State: streaming.Completed, Content: "Hello"}})
	p.update(streaming.Update{Snapshot: streaming.Snapshot{SessionID: "s2", State: streaming.Errored, Chunks: 1, Error: "boom"}})
	p.state(domain.StateChange{Old: domain.StateConnected, New: domain.StateReconnecting, Err: errors.New("eof")})

	assert.Equal(t, `[g1] u1: hi
[g1] Nurse Kim: hello
[g1] u2 typing_started
* u2 is offline
ai s1: Hello
ai s2 failed after 1 chunks: boom
connection connected -> reconnecting (eof)
`, buf.String())
}
