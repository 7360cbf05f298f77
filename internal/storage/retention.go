package storage

import (
	"context"
	"time"

	"portafoglio/internal/log"
)

// Pruner deletes journal entries older than a cutoff.
type Pruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Retention keeps the journal bounded by pruning entries older than keep.
type Retention struct {
	pruner Pruner
	keep   time.Duration
	now    func() time.Time
	logger *log.Logger
}

func NewRetention(p Pruner, keep time.Duration, logger *log.Logger) *Retention {
	if logger == nil {
		logger = log.Discard()
	}
	return &Retention{
		pruner: p,
		keep:   keep,
		now:    time.Now,
		logger: logger.WithComponent(log.ComponentStorage),
	}
}

// Sweep prunes once and returns the number of removed entries.
func (r *Retention) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.keep)
	n, err := r.pruner.PruneEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "Old session events pruned",
			log.FieldOperation, log.OpPrune,
			"count", n,
			"cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
// Failed sweeps are logged and retried on the next tick.
func (r *Retention) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "Journal pruning failed",
				log.FieldOperation, log.OpPrune,
				log.FieldError, err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
