package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/presence"
	"github.com/HMasataka/carelink/pkg/streaming"
)

// printer writes one line per event. Handlers of different event families
// run on different lanes so writes are serialized.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) message(m domain.ChatMessage) {
	sender := m.Sender.Name
	if sender == "" {
		sender = m.Sender.ID
	}
	p.printf("[%s] %s: %s", m.GroupID, sender, m.Message)
}

func (p *printer) change(c presence.Change) {
	switch c.Kind {
	case presence.WentOnline, presence.WentOffline:
		p.printf("* %s is %s", c.UserID, c.Kind)
	default:
		p.printf("[%s] %s %s", c.GroupID, c.UserID, c.Kind)
	}
}

func (p *printer) update(u streaming.Update) {
	switch u.State {
	case streaming.Completed:
		p.printf("ai %s: %s", u.SessionID, u.Content)
	case streaming.Errored:
		p.printf("ai %s failed after %d chunks: %s", u.SessionID, u.Chunks, u.Error)
	}
}

func (p *printer) state(s domain.StateChange) {
	if s.Err != nil {
		p.printf("connection %s -> %s (%v)", s.Old, s.New, s.Err)
		return
	}
	p.printf("connection %s -> %s", s.Old, s.New)
}
