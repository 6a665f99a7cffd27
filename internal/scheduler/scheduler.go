package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/feeledger/internal/clock"
	obsmetrics "github.com/smallbiznis/feeledger/internal/observability/metrics"
	"github.com/smallbiznis/feeledger/internal/overdue"
	reconciliationdomain "github.com/smallbiznis/feeledger/internal/reconciliation/domain"
	statisticsdomain "github.com/smallbiznis/feeledger/internal/statistics/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobOverdueSweep   = "overdue_sweep"
	JobReconcileSweep = "reconcile_sweep"
	JobDriftCheck     = "drift_check"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	Promoter   *overdue.Promoter
	Reconciler reconciliationdomain.Reconciler
	Statistics statisticsdomain.Service
	GenID      *snowflake.Node
	Clock      clock.Clock
	Metrics    *obsmetrics.SchedulerMetrics `optional:"true"`
	Config     Config                       `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	metrics    *obsmetrics.SchedulerMetrics
	promoter   *overdue.Promoter
	reconciler reconciliationdomain.Reconciler
	statistics statisticsdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Promoter == nil || p.Reconciler == nil || p.Statistics == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		metrics:    m,
		promoter:   p.Promoter,
		reconciler: p.Reconciler,
		statistics: p.Statistics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.failed == 0 {
			run.AddFailed(1)
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadlines are soft: the next tick picks up where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobOverdueSweep, s.isJobEnabled(JobOverdueSweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobOverdueSweep, s.cfg.BatchSize, s.cfg.OverdueTimeout, s.OverdueSweepJob)
		}},
		{JobReconcileSweep, s.isJobEnabled(JobReconcileSweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobReconcileSweep, s.cfg.BatchSize, s.cfg.ReconcileTimeout, s.ReconcileSweepJob)
		}},
		{JobDriftCheck, s.isJobEnabled(JobDriftCheck), func(ctx context.Context) error {
			return s.runJob(ctx, JobDriftCheck, 1, s.cfg.DriftTimeout, s.DriftCheckJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// OverdueSweepJob promotes stale pending payments batch by batch until a short
// batch shows nothing is left.
func (s *Scheduler) OverdueSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobOverdueSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for i := 0; i < s.cfg.MaxSweepBatches; i++ {
		promoted, err := s.promoter.Sweep(ctx, s.cfg.BatchSize)
		run.AddProcessed(promoted)
		run.AddChanged(promoted)
		s.metrics.AddBatchProcessed(JobOverdueSweep, obsmetrics.ResourcePayments, promoted)
		if err != nil {
			s.logJobError(ctx, run, "scheduler.overdue_sweep.failed", 0, err)
			return err
		}
		if promoted < s.cfg.BatchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileSweepJob re-reconciles every student so aggregates left behind by a
// failed write converge.
func (s *Scheduler) ReconcileSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.reconciler.ReconcileAll(ctx, s.cfg.BatchSize)
	run.AddProcessed(result.Scanned)
	run.AddChanged(result.Updated)
	run.AddFailed(result.Failed)
	s.metrics.AddBatchProcessed(JobReconcileSweep, obsmetrics.ResourceStudents, result.Scanned)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.reconcile_sweep.failed", 0, err)
		return err
	}
	if result.Updated > 0 || result.Failed > 0 {
		s.logger(ctx).Info("scheduler.reconcile_sweep.corrected",
			zap.Int("scanned", result.Scanned),
			zap.Int("updated", result.Updated),
			zap.Int("failed", result.Failed),
		)
	}
	return nil
}

// DriftCheckJob computes statistics per organization and reports any
// difference between the payment log and the student aggregates.
func (s *Scheduler) DriftCheckJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDriftCheck, 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	orgs, err := s.statistics.ListOrganizations(ctx)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.drift_check.list_failed", 0, err)
		return err
	}

	for _, orgID := range orgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		orgCtx := orgScope(ctx, orgID)
		stats, err := s.statistics.ComputeStatistics(orgCtx)
		if err != nil {
			s.logJobError(ctx, run, "scheduler.drift_check.compute_failed", orgID, err)
			continue
		}
		run.AddProcessed(1)

		difference := stats.ConsistencyCheck.Difference.InexactFloat64()
		s.metrics.SetLedgerDrift(orgID.String(), difference, len(stats.Drift))
		if len(stats.Drift) > 0 {
			driftedIDs := make([]string, 0, len(stats.Drift))
			for _, d := range stats.Drift {
				driftedIDs = append(driftedIDs, d.StudentID)
			}
			s.logger(orgCtx).Warn("ledger.drift_detected",
				zap.String("payment_total", stats.ConsistencyCheck.PaymentTotal.String()),
				zap.String("student_total", stats.ConsistencyCheck.StudentTotal.String()),
				zap.String("difference", stats.ConsistencyCheck.Difference.String()),
				zap.Strings("student_ids", driftedIDs),
			)
		}
	}
	s.metrics.AddBatchProcessed(JobDriftCheck, obsmetrics.ResourceOrganizations, run.processed)
	return nil
}
