package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/practicegenius/platform/pkg/logger"
)

// SweepConfig holds the reconciliation sweep settings.
type SweepConfig struct {
	Interval time.Duration `env:"SUBSCRIPTION_SWEEP_INTERVAL" envDefault:"1h"`
}

// Sweeper periodically expires subscriptions whose billing period has
// lapsed. Records are processed independently so one failure never blocks
// the rest, and the sweep is safe to re-run from scratch: every mutation it
// performs is a conditional transition that no-ops once another actor has
// already moved the record.
type Sweeper struct {
	store    Store
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper creates a sweeper. Panics on nil dependencies.
func NewSweeper(store Store, engine *Engine, cfg SweepConfig, log *slog.Logger) *Sweeper {
	if store == nil {
		panic("subscription: Store is required")
	}
	if engine == nil {
		panic("subscription: Engine is required")
	}
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: store, engine: engine, interval: interval, log: log}
}

// Run executes a first sweep immediately, then on every tick until the
// context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.InfoContext(ctx, "subscription sweep started", slog.Duration("interval", s.interval))

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.InfoContext(ctx, "subscription sweep stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	processed, err := s.SweepOnce(ctx, time.Now().UTC())
	if err != nil {
		s.log.ErrorContext(ctx, "subscription sweep failed", logger.Error(err))
		return
	}
	if processed > 0 {
		s.log.InfoContext(ctx, "subscription sweep completed", slog.Int("processed", processed))
	}
}

// SweepOnce expires or renews every active subscription whose period ended
// before asOf. Returns the number of records successfully transitioned.
func (s *Sweeper) SweepOnce(ctx context.Context, asOf time.Time) (int, error) {
	lapsed, err := s.store.ListExpired(ctx, asOf)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range lapsed {
		sub := &lapsed[i]
		if err := s.sweepOne(ctx, sub); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				// Another actor (webhook, backfill) got there first.
				s.log.DebugContext(ctx, "sweep lost transition race, skipping",
					logger.SubscriptionID(sub.ID))
				continue
			}
			s.log.ErrorContext(ctx, "failed to sweep subscription",
				logger.SubscriptionID(sub.ID),
				logger.UserID(sub.UserID),
				logger.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, sub *Subscription) error {
	// Provider-managed subscriptions renew at the provider; the renewal
	// webhook updates the same row. A locally created next-period row would
	// duplicate entitlement the moment that webhook lands, so the sweep
	// only expires managed records and lets the provider's report revive
	// them.
	if sub.RenewalEnabled && !sub.IsManaged() {
		_, err := s.engine.RenewNextPeriod(ctx, sub)
		return err
	}
	_, err := s.engine.Expire(ctx, sub.ID)
	return err
}
