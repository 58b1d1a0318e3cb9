package negotiation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper expires overdue negotiations as periodic background work,
// independent of request handling. SweepOnce is idempotent: sessions
// already terminal are skipped.
type Sweeper struct {
	machine  *Machine
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewSweeper(machine *Machine, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{machine: machine, interval: interval, batch: batch, logger: logger}
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
				s.logger.Error("negotiation sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("negotiation sweep expired sessions", zap.Int("count", n))
			}
		}
	}
}

// SweepOnce expires one batch of overdue sessions and returns how many it
// transitioned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.machine.now()
	overdue, err := s.machine.repo.ListExpiredNegotiations(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, n := range overdue {
		if n.Terminal() {
			continue
		}
		s.machine.forceExpire(ctx, n)
		expired++
	}
	return expired, nil
}
