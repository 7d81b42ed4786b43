package domain

import (
	"github.com/HMasataka/carelink/pkg/errors"
)

// Common domain errors
var (
	// ErrNotConnected is returned when emitting while the channel is down
	ErrNotConnected = errors.New(errors.ErrorTypeTransport, "NOT_CONNECTED", "not connected to server")

	// ErrConnectionClosed is returned when trying to use a closed connection
	ErrConnectionClosed = errors.New(errors.ErrorTypeTransport, "CONNECTION_CLOSED", "connection closed")

	// ErrSendBufferFull is returned when the outbound queue cannot accept a frame
	ErrSendBufferFull = errors.New(errors.ErrorTypeTransport, "SEND_BUFFER_FULL", "send buffer is full")

	// ErrHandshakeTimeout is returned when the server does not acknowledge in time
	ErrHandshakeTimeout = errors.New(errors.ErrorTypeTimeout, "HANDSHAKE_TIMEOUT", "handshake timed out")

	// ErrAuthRejected is returned when the server rejects the credential
	ErrAuthRejected = errors.New(errors.ErrorTypeUnauthorized, "AUTH_REJECTED", "credential rejected")

	// ErrNoCredential is returned when no token is available for a connect
	ErrNoCredential = errors.New(errors.ErrorTypeUnauthorized, "NO_CREDENTIAL", "no credential available")

	// ErrUnknownEvent is returned for frames whose event name is not known
	ErrUnknownEvent = errors.New(errors.ErrorTypeProtocol, "UNKNOWN_EVENT", "unknown event")

	// ErrInvalidPayload is returned when a payload fails to decode
	ErrInvalidPayload = errors.New(errors.ErrorTypeProtocol, "INVALID_PAYLOAD", "invalid payload")
)
