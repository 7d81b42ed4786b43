package streaming

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/eventbus"
)

func newAssembler(t *testing.T, retained int) *Assembler {
	t.Helper()
	a, err := NewAssembler(Options{MaxRetained: retained}, nil)
	require.NoError(t, err)
	return a
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) record(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func TestAssembler_ChunksConcatenate(t *testing.T) {
	a := newAssembler(t, 0)
	rec := &recorder{}
	a.Watch("s1", rec.record)

	assert.True(t, a.Chunk(domain.AIChunk{SessionID: "s1", Content: "Hel"}))
	assert.True(t, a.Chunk(domain.AIChunk{SessionID: "s1", Content: "lo"}))
	assert.Equal(t, []string{"s1"}, a.Active())

	assert.True(t, a.Complete(domain.AIComplete{SessionID: "s1"}))

	snap, ok := a.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, "Hello", snap.Content)
	assert.Equal(t, Completed, snap.State)
	assert.Equal(t, 2, snap.Chunks)
	assert.Empty(t, a.Active())

	updates := rec.all()
	require.Len(t, updates, 3)
	assert.Equal(t, "Hel", updates[0].Delta)
	assert.Equal(t, "Hello", updates[1].Content)
	assert.Equal(t, Completed, updates[2].State)
}

func TestAssembler_LateChunkIgnored(t *testing.T) {
	a := newAssembler(t, 0)

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "done"})
	a.Complete(domain.AIComplete{SessionID: "s1"})

	assert.False(t, a.Chunk(domain.AIChunk{SessionID: "s1", Content: " again"}))
	assert.False(t, a.Complete(domain.AIComplete{SessionID: "s1"}))
	assert.False(t, a.Fail(domain.AIError{SessionID: "s1", Error: "boom"}))

	snap, _ := a.Snapshot("s1")
	assert.Equal(t, "done", snap.Content)
	assert.Equal(t, Completed, snap.State)
	assert.Equal(t, 1, a.Dropped())
}

func TestAssembler_ErrorKeepsBuffer(t *testing.T) {
	a := newAssembler(t, 0)

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "partial"})
	a.Fail(domain.AIError{SessionID: "s1", Error: "model overloaded"})

	snap, ok := a.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, Errored, snap.State)
	assert.Equal(t, "partial", snap.Content)
	assert.Equal(t, "model overloaded", snap.Error)
}

func TestAssembler_SessionsAreIndependent(t *testing.T) {
	a := newAssembler(t, 0)
	rec := &recorder{}
	a.WatchAll(rec.record)

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "a"})
	a.Chunk(domain.AIChunk{SessionID: "s2", Content: "x"})
	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "b"})

	assert.Equal(t, []string{"s1", "s2"}, a.Active())

	s1, _ := a.Snapshot("s1")
	s2, _ := a.Snapshot("s2")
	assert.Equal(t, "ab", s1.Content)
	assert.Equal(t, "x", s2.Content)
	assert.Len(t, rec.all(), 3)
}

func TestAssembler_WatchCancel(t *testing.T) {
	a := newAssembler(t, 0)
	rec := &recorder{}
	cancel := a.Watch("s1", rec.record)

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "a"})
	cancel()
	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "b"})

	assert.Len(t, rec.all(), 1)
}

func TestAssembler_PlaceholderReleased(t *testing.T) {
	a := newAssembler(t, 0)

	cancel := a.Watch("ghost", func(Update) {})
	snap, ok := a.Snapshot("ghost")
	require.True(t, ok)
	assert.Equal(t, NotStarted, snap.State)

	cancel()
	_, ok = a.Snapshot("ghost")
	assert.False(t, ok)

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	_, err := a.Wait(ctx, "ghost")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok = a.Snapshot("ghost")
	assert.False(t, ok)

	// a started session survives its watcher
	cancel = a.Watch("s1", func(Update) {})
	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "a"})
	cancel()
	snap, ok = a.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, "a", snap.Content)
}

func TestAssembler_Forget(t *testing.T) {
	a := newAssembler(t, 0)

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "old"})
	a.Forget("s1")

	_, ok := a.Snapshot("s1")
	assert.False(t, ok)

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "new"})
	snap, _ := a.Snapshot("s1")
	assert.Equal(t, "new", snap.Content)
}

func TestAssembler_Wait(t *testing.T) {
	a := newAssembler(t, 0)

	result := make(chan Snapshot, 1)
	go func() {
		snap, err := a.Wait(context.Background(), "s1")
		assert.NoError(t, err)
		result <- snap
	}()

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "Hel"})
	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "lo"})
	a.Complete(domain.AIComplete{SessionID: "s1"})

	select {
	case snap := <-result:
		assert.Equal(t, "Hello", snap.Content)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}

	snap, err := a.Wait(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", snap.Content)
}

func TestAssembler_WaitFailures(t *testing.T) {
	a := newAssembler(t, 0)

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "x"})
	a.Fail(domain.AIError{SessionID: "s1", Error: "boom"})

	snap, err := a.Wait(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrStreamFailed)
	assert.Equal(t, "x", snap.Content)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.Wait(ctx, "s2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := a.Wait(context.Background(), "s3")
		done <- err
	}()
	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		_, ok := a.active["s3"]
		return ok
	}, time.Second, time.Millisecond)
	a.Forget("s3")

	select {
	case err := <-done:
		assert.True(t, stderrors.Is(err, ErrSessionForgotten))
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Forget")
	}
}

func TestAssembler_RetentionEviction(t *testing.T) {
	a := newAssembler(t, 1)

	a.Chunk(domain.AIChunk{SessionID: "s1", Content: "one"})
	a.Complete(domain.AIComplete{SessionID: "s1"})
	a.Chunk(domain.AIChunk{SessionID: "s2", Content: "two"})
	a.Complete(domain.AIComplete{SessionID: "s2"})

	_, ok := a.Snapshot("s1")
	assert.False(t, ok, "oldest finished session is evicted")

	assert.True(t, a.Chunk(domain.AIChunk{SessionID: "s1", Content: "late"}), "evicted session starts over")
	assert.False(t, a.Chunk(domain.AIChunk{SessionID: "s2", Content: "late"}))
}

func TestAssembler_AttachToBus(t *testing.T) {
	bus := eventbus.NewInMemoryBus(8, nil)
	defer bus.Stop()

	a := newAssembler(t, 0)
	detach := a.Attach(bus)

	bus.Publish(eventbus.NewEvent(eventbus.Inbound, 1, domain.AIChunk{SessionID: "s1", Content: "Hi"}))
	bus.Publish(eventbus.NewEvent(eventbus.Inbound, 1, domain.AIComplete{SessionID: "s1"}))

	snap, ok := a.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, "Hi", snap.Content)
	assert.Equal(t, Completed, snap.State)

	detach()
	bus.Publish(eventbus.NewEvent(eventbus.Inbound, 1, domain.AIChunk{SessionID: "s2", Content: "ignored"}))
	_, ok = a.Snapshot("s2")
	assert.False(t, ok)
}
