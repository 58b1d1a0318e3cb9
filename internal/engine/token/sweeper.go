package token

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
)

// OnExpired is called once per token the sweep expires, letting the
// service drop the match from its book.
type OnExpired func(ctx context.Context, t *model.MatchToken)

// Sweeper expires stale tokens as periodic background work. Expiry is
// never checked lazily on read, so a stale match cannot silently reappear.
// SweepOnce is idempotent: a token already expired is skipped.
type Sweeper struct {
	manager   *Manager
	interval  time.Duration
	batch     int
	onExpired OnExpired // may be nil
	logger    *zap.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, batch int, onExpired OnExpired, logger *zap.Logger) *Sweeper {
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		manager:   manager,
		interval:  interval,
		batch:     batch,
		onExpired: onExpired,
		logger:    logger,
	}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("token sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("token sweep expired tokens", zap.Int("count", n))
			}
		}
	}
}

// SweepOnce expires one batch of overdue tokens and returns how many it
// transitioned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.manager.now()
	stale, err := s.manager.repo.ListExpiredTokens(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range stale {
		if t.Status != model.TokenStatusActive {
			continue
		}
		t.Status = model.TokenStatusExpired
		if err := s.manager.repo.UpdateToken(ctx, t); err != nil {
			s.logger.Error("expire token",
				zap.String("token_id", t.ID.String()), zap.Error(err))
			continue
		}
		expired++
		sweptTotal.Inc()
		if s.onExpired != nil {
			s.onExpired(ctx, t)
		}
	}
	return expired, nil
}
