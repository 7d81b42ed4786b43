package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/eventbus"
	"github.com/HMasataka/carelink/pkg/transport/protocol"
)

// Options represents realtime client options
type Options struct {
	// HandshakeTimeout bounds dial plus authentication
	HandshakeTimeout time.Duration

	// ReconnectBaseDelay is the first backoff delay
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps every backoff delay
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts is the ceiling after which the client gives up
	MaxReconnectAttempts int

	// Jitter is the backoff randomization factor in [0, 1)
	Jitter float64

	// LaneBuffer is the capacity of each delivery lane
	LaneBuffer int

	Logger  *logging.Logger
	Bus     eventbus.Bus
	Codec   protocol.Codec
	Metrics *Metrics
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		Jitter:               0.5,
		LaneBuffer:           64,
	}
}

// Option is a function that configures Options
type Option func(*Options)

// WithHandshakeTimeout sets the handshake timeout
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.HandshakeTimeout = d
	}
}

// WithReconnect sets the backoff schedule and the attempt ceiling
func WithReconnect(base, max time.Duration, attempts int) Option {
	return func(o *Options) {
		o.ReconnectBaseDelay = base
		o.ReconnectMaxDelay = max
		o.MaxReconnectAttempts = attempts
	}
}

// WithJitter sets the backoff randomization factor
func WithJitter(jitter float64) Option {
	return func(o *Options) {
		o.Jitter = jitter
	}
}

// WithLaneBuffer sets the capacity of each lane of the private bus
func WithLaneBuffer(n int) Option {
	return func(o *Options) {
		o.LaneBuffer = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithBus sets the event bus. The client owns a private bus otherwise.
func WithBus(bus eventbus.Bus) Option {
	return func(o *Options) {
		o.Bus = bus
	}
}

// WithCodec sets the wire codec
func WithCodec(codec protocol.Codec) Option {
	return func(o *Options) {
		o.Codec = codec
	}
}

// WithMetrics installs a metrics tap
func WithMetrics(m *Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.ReconnectBaseDelay
	b.MaxInterval = o.ReconnectMaxDelay
	b.RandomizationFactor = o.Jitter
	b.Multiplier = 2
	b.Reset()
	return b
}
