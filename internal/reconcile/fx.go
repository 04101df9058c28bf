package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reconcile",
	fx.Provide(New),
	fx.Invoke(Schedule),
)

// Schedule runs the job on RECONCILE_SCHEDULE. An empty schedule disables it.
func Schedule(lc fx.Lifecycle, cfg config.Config, job *Job, log *zap.Logger) error {
	schedule := strings.TrimSpace(cfg.ReconcileSchedule)
	log = log.Named("reconcile.scheduler")
	if schedule == "" {
		log.Info("reconciliation disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := job.Run(ctx); err != nil {
			log.Error("reconciliation failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid RECONCILE_SCHEDULE %q: %w", schedule, err)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			log.Info("reconciliation scheduled", zap.String("schedule", schedule))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-c.Stop().Done():
			case <-stopCtx.Done():
			}
			return nil
		},
	})
	return nil
}
