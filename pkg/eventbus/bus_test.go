package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/carelink/pkg/domain"
)

func chunk(content string) *Event {
	return NewEvent(Inbound, 1, domain.AIChunk{SessionID: "s1", Content: content})
}

func TestInMemoryBus_PublishSync(t *testing.T) {
	bus := NewInMemoryBus(8, nil)
	defer bus.Stop()

	var named, all int
	bus.Subscribe(domain.EventAIChunk, func(*Event) { named++ })
	bus.SubscribeAll(func(*Event) { all++ })

	bus.Publish(chunk("a"))
	bus.Publish(NewEvent(Inbound, 1, domain.Presence{UserID: "u1", Online: true}))

	assert.Equal(t, 1, named)
	assert.Equal(t, 2, all)
}

func TestInMemoryBus_DisposeInsideHandler(t *testing.T) {
	bus := NewInMemoryBus(8, nil)
	defer bus.Stop()

	var calls int
	var dispose func()
	dispose = bus.Subscribe(domain.EventAIChunk, func(*Event) {
		calls++
		dispose()
		dispose()
	})

	var other int
	bus.Subscribe(domain.EventAIChunk, func(*Event) { other++ })

	assert.NotPanics(t, func() {
		bus.Publish(chunk("a"))
		bus.Publish(chunk("b"))
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, other)
	assert.Equal(t, 1, bus.Subscribers(domain.EventAIChunk))
}

func TestInMemoryBus_DisposeOtherDuringPublish(t *testing.T) {
	bus := NewInMemoryBus(8, nil)
	defer bus.Stop()

	var second int
	var disposeSecond func()
	bus.Subscribe(domain.EventAIChunk, func(*Event) { disposeSecond() })
	disposeSecond = bus.Subscribe(domain.EventAIChunk, func(*Event) { second++ })

	bus.Publish(chunk("a"))
	assert.Equal(t, 0, second, "disposed subscriber must not run even within the same snapshot")
}

func TestInMemoryBus_LaneOrder(t *testing.T) {
	bus := NewInMemoryBus(4, nil)
	defer bus.Stop()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(domain.EventAIChunk, func(e *Event) {
		mu.Lock()
		got = append(got, e.Payload.(domain.AIChunk).Content)
		mu.Unlock()
	})

	want := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, c := range want {
		require.NoError(t, bus.PublishAsync(context.Background(), chunk(c)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestInMemoryBus_FamilyKeepsOrder(t *testing.T) {
	bus := NewInMemoryBus(8, nil)
	defer bus.Stop()

	var mu sync.Mutex
	var got []string
	record := func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}

	bus.Subscribe(domain.EventAIChunk, func(e *Event) {
		time.Sleep(5 * time.Millisecond)
		record(e.Payload.(domain.AIChunk).Content)
	})
	bus.Subscribe(domain.EventAIComplete, func(*Event) { record("complete") })
	bus.Subscribe(domain.EventTypingStart, func(*Event) {
		time.Sleep(5 * time.Millisecond)
		record("start")
	})
	bus.Subscribe(domain.EventTypingStop, func(*Event) { record("stop") })

	ctx := context.Background()
	require.NoError(t, bus.PublishAsync(ctx, chunk("Hel")))
	require.NoError(t, bus.PublishAsync(ctx, NewEvent(Inbound, 1, domain.Typing{UserID: "u1", GroupID: "g1"})))
	require.NoError(t, bus.PublishAsync(ctx, chunk("lo")))
	require.NoError(t, bus.PublishAsync(ctx, NewEvent(Inbound, 1, domain.AIComplete{SessionID: "s1", Completed: true})))
	require.NoError(t, bus.PublishAsync(ctx, NewEvent(Inbound, 1, domain.Typing{Stop: true, UserID: "u1", GroupID: "g1"})))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var stream, typing []string
	for _, s := range got {
		switch s {
		case "start", "stop":
			typing = append(typing, s)
		default:
			stream = append(stream, s)
		}
	}
	assert.Equal(t, []string{"Hel", "lo", "complete"}, stream)
	assert.Equal(t, []string{"start", "stop"}, typing)
	assert.Equal(t, 2, bus.Lanes())
}

func TestInMemoryBus_SlowLaneDoesNotBlockOthers(t *testing.T) {
	bus := NewInMemoryBus(4, nil)
	defer bus.Stop()

	release := make(chan struct{})
	bus.Subscribe(domain.EventAIChunk, func(*Event) { <-release })
	defer close(release)

	var presence atomic.Int32
	bus.Subscribe(domain.EventUserOnline, func(*Event) { presence.Add(1) })

	require.NoError(t, bus.PublishAsync(context.Background(), chunk("slow")))
	require.NoError(t, bus.PublishAsync(context.Background(), NewEvent(Inbound, 1, domain.Presence{UserID: "u", Online: true})))

	assert.Eventually(t, func() bool { return presence.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInMemoryBus_Backpressure(t *testing.T) {
	bus := NewInMemoryBus(1, nil)
	defer bus.Stop()

	release := make(chan struct{})
	bus.Subscribe(domain.EventAIChunk, func(*Event) { <-release })
	defer close(release)

	require.NoError(t, bus.PublishAsync(context.Background(), chunk("1")))

	// The first event may or may not have been picked up yet; fill whatever
	// room is left and then expect a block.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for range 3 {
		if err = bus.PublishAsync(ctx, chunk("x")); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryBus_PanicIsContained(t *testing.T) {
	bus := NewInMemoryBus(4, nil)
	defer bus.Stop()

	var after int
	bus.Subscribe(domain.EventAIChunk, func(*Event) { panic("boom") })
	bus.Subscribe(domain.EventAIChunk, func(*Event) { after++ })

	assert.NotPanics(t, func() { bus.Publish(chunk("a")) })
	assert.Equal(t, 1, after)
}

func TestInMemoryBus_Taps(t *testing.T) {
	bus := NewInMemoryBus(4, nil)
	defer bus.Stop()

	var seen []Direction
	remove := bus.Tap(func(e *Event) { seen = append(seen, e.Direction) })

	bus.Observe(NewEvent(Outbound, 1, domain.RoomRequest{GroupID: "g"}))
	bus.Observe(chunk("a"))
	remove()
	bus.Observe(chunk("b"))

	assert.Equal(t, []Direction{Outbound, Inbound}, seen)
}

func TestInMemoryBus_Stop(t *testing.T) {
	bus := NewInMemoryBus(4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	cancel()

	assert.Eventually(t, func() bool {
		return bus.PublishAsync(context.Background(), chunk("a")) != nil
	}, time.Second, 5*time.Millisecond)

	err := bus.PublishAsync(context.Background(), chunk("b"))
	assert.ErrorIs(t, err, ErrBusStopped)

	bus.Stop()
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(Inbound, 7, domain.AIComplete{SessionID: "s"}).WithMetadata("conn", "c1")

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, domain.EventAIComplete, e.Name)
	assert.Equal(t, uint64(7), e.Epoch)
	assert.Equal(t, "c1", e.Metadata["conn"])
	assert.Equal(t, "in", Inbound.String())
}
