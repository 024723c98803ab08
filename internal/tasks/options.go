// Package tasks holds the render and upload tasks run by the export queues.
package tasks

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koios/shotframe/internal/compositor"
	"go.uber.org/zap"
)

const (
	RenderWeight = 1.0

	defaultRenderYield = 100 * time.Millisecond
	defaultMaxRetries  = 3
)

// dripDelays are the synthetic progress steps added after a transfer
// completes while the server processes the image.
var dripDelays = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
}

type settings struct {
	clock      clockwork.Clock
	logger     *zap.Logger
	quality    compositor.Quality
	yield      time.Duration
	maxRetries int
}

func newSettings(opts []Option) settings {
	s := settings{
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		yield:      defaultRenderYield,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures a render or upload task.
type Option func(*settings)

func WithClock(c clockwork.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQuality selects the encode quality of a render task.
func WithQuality(q compositor.Quality) Option {
	return func(s *settings) { s.quality = q }
}

// WithYield sets the pause a render task takes after encoding.
func WithYield(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.yield = d
		}
	}
}

// WithMaxRetries sets how many times an upload is restarted after a failed
// transfer.
func WithMaxRetries(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}
