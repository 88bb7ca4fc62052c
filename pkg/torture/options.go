package torture

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thesyncim/torture/pkg/torture/internal"
)

// Option configures pools, participants and heartbeat monitors.
type Option func(*settings)

type settings struct {
	log     zerolog.Logger
	metrics *Metrics
	clock   internal.Clock
}

func newSettings(opts []Option) settings {
	s := settings{
		log:   log.Logger,
		clock: internal.MonotonicClock{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the logger. The default is the zerolog global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithMetrics records activity on m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func withClock(c internal.Clock) Option {
	return func(s *settings) { s.clock = c }
}
