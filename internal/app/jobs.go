package app

import (
	"context"
	"time"

	"slackpush/internal/config"
	"slackpush/internal/scheduler"
	logx "slackpush/pkg/logx"
)

const (
	jobSummary = "deliveries.summary"
	jobPrune   = "deliveries.prune"
)

// registerJobs (re)registers the housekeeping jobs from cfg. An empty spec
// removes the job.
func (a *App) registerJobs(cfg *config.Config) {
	jobs := []scheduler.Job{
		{Name: jobSummary, Spec: cfg.Scheduler.Summary, Timeout: 10 * time.Second, Run: a.summaryJob},
		{Name: jobPrune, Spec: cfg.Scheduler.Prune, Timeout: time.Minute, Run: a.pruneJob(config.DurationOr(cfg.Scheduler.Retention, defaultRetention))},
	}
	for _, j := range jobs {
		if err := a.sched.Register(j); err != nil {
			a.log.Warn("job not registered", logx.String("job", j.Name), logx.Err(err))
		}
	}
}

func (a *App) summaryJob(context.Context) error {
	for name, st := range a.reps.stats() {
		a.log.Info("delivery summary",
			logx.String("reporter", name),
			logx.Uint64("queued", st.Queued),
			logx.Uint64("sent", st.Sent),
			logx.Uint64("rejected", st.Rejected),
			logx.Uint64("failed", st.Failed),
			logx.Uint64("dropped", st.Dropped),
			logx.Uint64("invalid", st.Invalid),
		)
	}
	a.log.Debug("delivery queue", logx.Int("pending", a.pool.Pending()))
	return nil
}

func (a *App) pruneJob(retention time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		if a.store == nil {
			return nil
		}
		n, err := a.store.PruneDeliveries(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("delivery log pruned", logx.Int("removed", n), logx.Duration("retention", retention))
		}
		return nil
	}
}
