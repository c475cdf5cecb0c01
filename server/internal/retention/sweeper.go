package retention

import (
	"context"
	"log/slog"
	"time"
)

type Purger interface {
	Sweep(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper periodically purges requests older than maxAge. A zero maxAge
// keeps everything.
type Sweeper struct {
	purger   Purger
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(purger Purger, maxAge, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		purger:   purger,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once right away, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.maxAge <= 0 {
		slog.Info("retention disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.SweepOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	before := s.now().Add(-s.maxAge)

	n, err := s.purger.Sweep(ctx, before)
	if err != nil {
		slog.Error("retention sweep failed", slog.Any("err", err))
		return n
	}

	if n > 0 {
		slog.Info("retention sweep",
			slog.Int64("deleted", n),
			slog.Time("before", before),
		)
	}
	return n
}
