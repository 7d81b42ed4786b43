package errors

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	cause := stderrors.New("connection refused")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain",
			err:  New(ErrorTypeTransport, "NOT_CONNECTED", "not connected"),
			want: "[NOT_CONNECTED] not connected",
		},
		{
			name: "details",
			err:  New(ErrorTypeProtocol, "UNKNOWN_EVENT", "unknown event").WithDetails("foo:bar"),
			want: "[UNKNOWN_EVENT] unknown event: foo:bar",
		},
		{
			name: "cause",
			err:  Wrap(cause, ErrorTypeTransport, "DIAL_ERROR", "failed to dial"),
			want: "[DIAL_ERROR] failed to dial (caused by: connection refused)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap(cause, ErrorTypeTimeout, "HANDSHAKE_TIMEOUT", "timed out"))

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, stderrors.Is(err, New(ErrorTypeTimeout, "HANDSHAKE_TIMEOUT", "")))
	assert.False(t, stderrors.Is(err, New(ErrorTypeTimeout, "OTHER", "")))
	assert.True(t, IsType(err, ErrorTypeTimeout))
	assert.False(t, IsType(err, ErrorTypeTransport))
	assert.False(t, IsType(cause, ErrorTypeTimeout))

	typ, ok := TypeOf(err)
	assert.True(t, ok)
	assert.Equal(t, ErrorTypeTimeout, typ)
}

func TestDefaultHandler_Severity(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := NewDefaultHandler(logger)

	h.Handle(context.Background(), New(ErrorTypeUnauthorized, "AUTH_FAILED", "rejected"))
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "error_type=unauthorized")

	buf.Reset()
	h.Handle(context.Background(), New(ErrorTypeProtocol, "BAD_FRAME", "bad frame"))
	assert.Contains(t, buf.String(), "level=WARN")

	buf.Reset()
	h.Handle(context.Background(), stderrors.New("plain"))
	assert.Contains(t, buf.String(), "unhandled error")

	buf.Reset()
	h.Handle(context.Background(), nil)
	assert.Empty(t, buf.String())
}
