package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/molr/molr/pkg/telemetry"
)

// Options configures strand executors.
type Options struct {
	// Logger is the base logger. Executors add component and strand fields.
	Logger zerolog.Logger

	// Metrics records engine metrics. Nil disables recording.
	Metrics *telemetry.Metrics

	// IdleInterval is the cycle pause while paused.
	IdleInterval time.Duration

	// WaitingInterval is the cycle pause while waiting for children.
	WaitingInterval time.Duration

	// ActiveInterval is the cycle pause in every other state.
	ActiveInterval time.Duration

	// StreamBuffer is the per-subscriber buffer of every stream.
	StreamBuffer int
}

// DefaultOptions returns the default executor options.
func DefaultOptions() Options {
	return Options{
		Logger:          zerolog.Nop(),
		IdleInterval:    50 * time.Millisecond,
		WaitingInterval: 25 * time.Millisecond,
		ActiveInterval:  10 * time.Millisecond,
		StreamBuffer:    64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.IdleInterval <= 0 {
		o.IdleInterval = d.IdleInterval
	}
	if o.WaitingInterval <= 0 {
		o.WaitingInterval = d.WaitingInterval
	}
	if o.ActiveInterval <= 0 {
		o.ActiveInterval = d.ActiveInterval
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = d.StreamBuffer
	}
	return o
}
