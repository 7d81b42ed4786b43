package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
)

type stubEmitter struct {
	epoch     uint64
	connected bool
	failFor   map[string]bool
	sent      []domain.RoomRequest
}

func (e *stubEmitter) current() (uint64, bool) {
	return e.epoch, e.connected
}

func (e *stubEmitter) emitIn(ctx context.Context, epoch uint64, p domain.Payload) error {
	if !e.connected || epoch != e.epoch {
		return domain.ErrNotConnected
	}
	req := p.(domain.RoomRequest)
	if e.failFor[req.GroupID] {
		return domain.ErrSendBufferFull
	}
	e.sent = append(e.sent, req)
	return nil
}

func TestRoomSet(t *testing.T) {
	s := NewRoomSet()

	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("c"))
	assert.True(t, s.Remove("b"))
	assert.False(t, s.Remove("b"))

	assert.Equal(t, []string{"a", "c"}, s.Items())
	assert.True(t, s.Has("c"))
	assert.Equal(t, 2, s.Len())
}

func TestRooms_DeferredUntilConnected(t *testing.T) {
	out := &stubEmitter{}
	r := newRooms(out, logging.Nop())

	require.NoError(t, r.Join(context.Background(), "g1"))
	require.NoError(t, r.Join(context.Background(), "g2"))
	assert.Empty(t, out.sent)
	assert.Nil(t, r.Joined())

	out.epoch, out.connected = 1, true
	r.replay(context.Background(), 1)
	r.replay(context.Background(), 1)

	assert.Equal(t, []domain.RoomRequest{{GroupID: "g1"}, {GroupID: "g2"}}, out.sent)
	assert.Equal(t, []string{"g1", "g2"}, r.Joined())
}

func TestRooms_JoinValidates(t *testing.T) {
	r := newRooms(&stubEmitter{}, logging.Nop())

	err := r.Join(context.Background(), "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Empty(t, r.Desired())
}

func TestRooms_PartialFailure(t *testing.T) {
	out := &stubEmitter{epoch: 1, connected: true, failFor: map[string]bool{"g2": true}}
	r := newRooms(out, logging.Nop())

	require.NoError(t, r.Join(context.Background(), "g1"))
	require.NoError(t, r.Join(context.Background(), "g2"))
	require.NoError(t, r.Join(context.Background(), "g3"))

	assert.Equal(t, []string{"g1", "g2", "g3"}, r.Desired())
	assert.Equal(t, []string{"g1", "g3"}, r.Joined())

	out.epoch = 2
	out.failFor = nil
	r.replay(context.Background(), 2)

	assert.Equal(t, []string{"g1", "g2", "g3"}, r.Joined())
	assert.Len(t, out.sent, 5)
}

func TestRooms_LeaveAndClear(t *testing.T) {
	out := &stubEmitter{epoch: 1, connected: true}
	r := newRooms(out, logging.Nop())

	require.NoError(t, r.Join(context.Background(), "g1"))
	require.NoError(t, r.Leave(context.Background(), "g1"))
	require.NoError(t, r.Leave(context.Background(), "g1"))

	assert.Equal(t, []domain.RoomRequest{{GroupID: "g1"}, {GroupID: "g1", Leave: true}}, out.sent)

	require.NoError(t, r.Join(context.Background(), "g2"))
	r.Clear()
	assert.Empty(t, r.Desired())
	assert.Empty(t, r.Joined())
}
