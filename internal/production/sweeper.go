// Package production drives stage 4 of the campaign pipeline: it submits
// selected prompts to the external generation service and reconciles the
// asynchronous job results that arrive by webhook callback or by polling.
package production

import (
	"context"
	"time"

	"adstudio/server/internal/distlock"
	"adstudio/server/internal/store"

	"go.uber.org/zap"
)

const DefaultSweepInterval = 30 * time.Second

// Sweeper polls campaigns that still have generating prompts, so jobs whose
// callback never arrives are settled without a client request.
type Sweeper struct {
	rec      *Reconciler
	store    *store.CampaignStore
	locks    *distlock.Factory
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(rec *Reconciler, st *store.CampaignStore, locks *distlock.Factory, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if locks == nil {
		locks = distlock.NewFactory(nil, nil, 0)
	}
	return &Sweeper{rec: rec, store: st, locks: locks, interval: interval, log: logger.Named("sweeper")}
}

type SweepResult struct {
	Campaigns int `json:"campaigns"`
	Locked    int `json:"locked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Run sweeps cached campaigns every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweeper_started", zap.Duration("interval", s.interval), zap.String("lock_backend", s.locks.Backend()))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper_stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, false); err != nil && ctx.Err() == nil {
				s.log.Warn("sweep_failed", zap.Error(err))
			}
			s.store.EvictExpired()
		}
	}
}

// SweepOnce runs CheckStatus for every campaign with generating prompts.
// With durable set, campaigns only present in the durable store are
// included. A campaign whose lock is held elsewhere is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context, durable bool) (SweepResult, error) {
	ids, err := s.store.PendingJobCampaigns(ctx, durable)
	if err != nil {
		return SweepResult{}, err
	}
	var res SweepResult
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var check CheckResult
		ran, err := s.locks.TryWith(ctx, "sweep:"+id, func(ctx context.Context) error {
			var err error
			check, err = s.rec.CheckStatus(ctx, id)
			return err
		})
		if err != nil {
			res.Errors++
			s.log.Warn("campaign_sweep_failed", zap.String("campaign_id", id), zap.Error(err))
			continue
		}
		if !ran {
			res.Locked++
			continue
		}
		res.Campaigns++
		res.Completed += check.Completed
		res.Failed += check.Failed
		res.Pending += check.Pending
		res.Errors += check.Errors
	}
	if res.Campaigns > 0 || res.Errors > 0 {
		s.log.Info("sweep_finished",
			zap.Int("campaigns", res.Campaigns),
			zap.Int("locked", res.Locked),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Int("pending", res.Pending),
			zap.Int("errors", res.Errors),
		)
	}
	return res, nil
}
