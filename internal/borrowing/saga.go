package borrowing

import (
	"context"

	"github.com/rs/zerolog"
)

// saga collects the compensations of the steps completed so far. Each step
// is one atomic write; there is no transaction spanning them.
type saga struct {
	name   string
	logger zerolog.Logger
	undo   []compensation
}

type compensation struct {
	step string
	fn   func(ctx context.Context) error
}

func newSaga(name string, logger zerolog.Logger) *saga {
	return &saga{name: name, logger: logger}
}

// done registers the compensation for a completed step.
func (s *saga) done(step string, fn func(ctx context.Context) error) {
	s.undo = append(s.undo, compensation{step: step, fn: fn})
}

// abort runs the compensations in reverse order and returns cause. They run
// even when ctx is already cancelled.
func (s *saga) abort(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.undo) - 1; i >= 0; i-- {
		c := s.undo[i]
		s.logger.Warn().Str("saga", s.name).Str("step", c.step).Err(cause).Msg("compensating")
		if err := c.fn(ctx); err != nil {
			s.logger.Error().Err(err).Str("saga", s.name).Str("step", c.step).Msg("compensation failed")
		}
	}
	s.undo = nil
	return cause
}
