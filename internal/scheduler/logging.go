package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obslogger "github.com/smallbiznis/feeledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/feeledger/internal/observability/metrics"
	"github.com/smallbiznis/feeledger/internal/orgcontext"
	"go.uber.org/zap"
)

// jobRun tallies one job execution. processed counts rows looked at, changed
// counts rows the job corrected, failed counts rows or orgs it gave up on.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	processed int
	changed   int
	failed    int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r != nil && count > 0 {
		r.processed += count
	}
}

func (r *jobRun) AddChanged(count int) {
	if r != nil && count > 0 {
		r.changed += count
	}
}

func (r *jobRun) AddFailed(count int) {
	if r != nil && count > 0 {
		r.failed += count
	}
}

// ensureJobRun reuses the run already in ctx so nested jobs report once.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	return context.WithValue(ctx, jobRunKey{}, run), run, true
}

// orgScope puts orgID on ctx so ledger services and log lines see the tenant.
func orgScope(ctx context.Context, orgID snowflake.ID) context.Context {
	if orgID == 0 {
		return ctx
	}
	return orgcontext.WithOrgID(ctx, int64(orgID))
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("changed_count", run.changed),
		zap.Int("failed_count", run.failed),
	}
	if run.failed > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logJobError(ctx context.Context, run *jobRun, msg string, orgID snowflake.ID, err error) {
	if err == nil {
		return
	}
	run.AddFailed(1)
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	s.logger(orgScope(ctx, orgID)).Error(msg, fields...)
}
