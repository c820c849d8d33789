// Package sweeper abandons sessions that have been idle for too long.
package sweeper

import (
	"context"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/logging"
)

const (
	defaultInterval = 5 * time.Minute
	defaultBatch    = 100
	maxRetries      = 3
	baseDelay       = 50 * time.Millisecond
)

// Finder lists idle active sessions.
type Finder interface {
	Idle(ctx context.Context, before, now time.Time, limit int) ([]string, error)
}

// Abandoner closes a session as abandoned.
type Abandoner interface {
	AbandonSession(ctx context.Context, id, reason string) (*domain.Session, error)
}

// Config controls the sweep.
type Config struct {
	// IdleAfter is how long a session may go without a commit.
	IdleAfter time.Duration
	// Interval between sweeps.
	Interval time.Duration
	// Batch caps the sessions handled per sweep.
	Batch int
}

// Sweeper periodically abandons idle sessions.
type Sweeper struct {
	cfg       Config
	finder    Finder
	abandoner Abandoner
	log       *logging.Logger
	now       func() time.Time
}

// New creates a sweeper.
func New(cfg Config, finder Finder, abandoner Abandoner, log *logging.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	return &Sweeper{
		cfg:       cfg,
		finder:    finder,
		abandoner: abandoner,
		log:       log.Sub("sweeper"),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.IdleAfter <= 0 {
		s.log.Info().Msg("idle sweep disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.cfg.Interval).Dur("idleAfter", s.cfg.IdleAfter).Msg("sweeper started")

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		case <-ctx.Done():
			s.log.Info().Msg("sweeper shutting down")
			return nil
		}
	}
}

// Sweep abandons one batch of idle sessions and returns how many it closed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.finder.Idle(ctx, now.Add(-s.cfg.IdleAfter), now, s.cfg.Batch)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	closed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.abandon(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("sessionId", id).Msg("abandon failed")
			continue
		}
		closed++
	}
	s.log.Info().Int("found", len(ids)).Int("abandoned", closed).Msg("idle sweep completed")
	return closed, nil
}

// abandon retries conflicts with exponential backoff. A session that was
// closed or resumed in the meantime is left alone.
func (s *Sweeper) abandon(ctx context.Context, id string) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = s.abandoner.AbandonSession(ctx, id, "idle")
		switch {
		case err == nil:
			return nil
		case domain.IsKind(err, domain.KindInvalidTransition):
			return nil
		case !domain.IsRetryable(err):
			return err
		}
		delay := baseDelay * time.Duration(1<<i)
		s.log.Debug().Str("sessionId", id).Int("attempt", i+1).Dur("delay", delay).Msg("abandon conflicted, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
