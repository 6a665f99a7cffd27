package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/locker"
	"github.com/smallbiznis/feeledger/internal/observability/logger"
	"github.com/smallbiznis/feeledger/internal/observability/metrics"
	"github.com/smallbiznis/feeledger/internal/orgcontext"
	"github.com/smallbiznis/feeledger/internal/overdue"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	"github.com/smallbiznis/feeledger/internal/reconciliation/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
	"github.com/smallbiznis/feeledger/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Students  studentdomain.Repository
	Payments  paymentdomain.Repository
	Promoter  *overdue.Promoter
	Locker    locker.Locker
	Publisher events.Publisher
	Clock     clock.Clock
	Ledger    *config.LedgerConfigHolder
	Metrics   *metrics.Metrics `optional:"true"`
	Log       *zap.Logger
}

type Service struct {
	students  studentdomain.Repository
	payments  paymentdomain.Repository
	promoter  *overdue.Promoter
	locker    locker.Locker
	publisher events.Publisher
	clock     clock.Clock
	ledger    *config.LedgerConfigHolder
	metrics   *metrics.Metrics
	log       *zap.Logger
	tracer    trace.Tracer
}

func New(p Params) domain.Reconciler {
	return &Service{
		students:  p.Students,
		payments:  p.Payments,
		promoter:  p.Promoter,
		locker:    p.Locker,
		publisher: p.Publisher,
		clock:     p.Clock,
		ledger:    p.Ledger,
		metrics:   p.Metrics,
		log:       p.Log.Named("reconciliation.service"),
		tracer:    otel.Tracer("feeledger/reconciliation"),
	}
}

func (s *Service) Reconcile(ctx context.Context, studentID string) (studentdomain.Student, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return studentdomain.Student{}, studentdomain.ErrInvalidOrganization
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return studentdomain.Student{}, studentdomain.ErrInvalidStudentID
	}

	ctx, span := s.tracer.Start(ctx, "reconciliation.Reconcile",
		trace.WithAttributes(attribute.String("ledger.student_id", studentID)))
	defer span.End()

	student, changed, err := s.reconcile(ctx, orgID, studentID)
	switch {
	case err != nil:
		s.metrics.RecordReconcile(ctx, metrics.ReconcileOutcomeError)
		span.SetStatus(codes.Error, "reconcile failed")
	case changed:
		s.metrics.RecordReconcile(ctx, metrics.ReconcileOutcomeUpdated)
	default:
		s.metrics.RecordReconcile(ctx, metrics.ReconcileOutcomeUnchanged)
	}
	span.SetAttributes(attribute.Bool("ledger.changed", changed))
	return student, err
}

func (s *Service) reconcile(ctx context.Context, orgID snowflake.ID, studentID string) (studentdomain.Student, bool, error) {
	ctx, unlock, err := s.locker.Lock(ctx, locker.StudentKey(orgID.String(), studentID))
	if err != nil {
		return studentdomain.Student{}, false, err
	}
	defer unlock()

	timeout := s.ledger.Get().StoreTimeout
	log := logger.WithContext(ctx, s.log).With(zap.String("student_id", studentID))

	// The payment log is read first so a failed read can never produce a write.
	payments, err := db.Within(ctx, timeout, "payments.list_by_student", func(ctx context.Context) ([]*paymentdomain.Payment, error) {
		return s.payments.ListByStudent(ctx, orgID, studentID)
	})
	if err != nil {
		log.Warn("reconciliation.read_payments_failed", zap.Error(err))
		return studentdomain.Student{}, false, err
	}
	payments = s.promoter.Normalize(ctx, payments)
	totals := paymentdomain.Sum(payments)

	current, err := db.Within(ctx, timeout, "students.get", func(ctx context.Context) (*studentdomain.Student, error) {
		return s.students.FindByStudentID(ctx, orgID, studentID)
	})
	if err != nil {
		log.Warn("reconciliation.read_student_failed", zap.Error(err))
		return studentdomain.Student{}, false, err
	}
	if current == nil {
		return studentdomain.Student{}, false, studentdomain.ErrNotFound
	}

	next := studentdomain.Derive(current.TotalFees, totals.Paid)
	if next.Equal(current.Aggregate()) {
		return *current, false, nil
	}

	now := s.clock.Now()
	updated, err := db.Within(ctx, timeout, "students.update_aggregate", func(ctx context.Context) (*studentdomain.Student, error) {
		return s.students.Update(ctx, orgID, studentID, studentdomain.Patch{Aggregate: &next, UpdatedAt: now})
	})
	if err != nil {
		log.Warn("reconciliation.write_failed", zap.Error(err))
		return studentdomain.Student{}, false, err
	}
	if updated == nil {
		return studentdomain.Student{}, false, studentdomain.ErrNotFound
	}

	s.publisher.Publish(ctx, events.New(events.StudentUpdated, orgID.String(), studentID, now, *updated))
	log.Info("reconciliation.applied",
		zap.String("fees_paid_before", current.FeesPaid.String()),
		zap.String("fees_paid", updated.FeesPaid.String()),
		zap.String("fees_due", updated.FeesDue.String()),
		zap.String("status", string(updated.Status)),
	)
	return *updated, true, nil
}

func (s *Service) Summarize(ctx context.Context, studentID string) (domain.Summary, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Summary{}, studentdomain.ErrInvalidOrganization
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return domain.Summary{}, studentdomain.ErrInvalidStudentID
	}
	timeout := s.ledger.Get().StoreTimeout

	student, err := db.Within(ctx, timeout, "students.get", func(ctx context.Context) (*studentdomain.Student, error) {
		return s.students.FindByStudentID(ctx, orgID, studentID)
	})
	if err != nil {
		return domain.Summary{}, err
	}
	if student == nil {
		return domain.Summary{}, studentdomain.ErrNotFound
	}

	payments, err := db.Within(ctx, timeout, "payments.list_by_student", func(ctx context.Context) ([]*paymentdomain.Payment, error) {
		return s.payments.ListByStudent(ctx, orgID, studentID)
	})
	if err != nil {
		return domain.Summary{}, err
	}
	payments = s.promoter.Normalize(ctx, payments)
	totals := paymentdomain.Sum(payments)
	computed := studentdomain.Derive(student.TotalFees, totals.Paid)

	items := make([]paymentdomain.Payment, 0, len(payments))
	for _, p := range payments {
		items = append(items, *p)
	}

	return domain.Summary{
		StudentID: student.StudentID,
		TotalFees: student.TotalFees,
		Stored:    domain.ViewOf(student.Aggregate()),
		Computed:  domain.ViewOf(computed),
		Totals:    totals,
		Drifted:   !computed.Equal(student.Aggregate()),
		Payments:  items,
	}, nil
}

func (s *Service) ReconcileAll(ctx context.Context, batch int) (domain.SweepResult, error) {
	if batch <= 0 {
		batch = 100
	}
	var (
		result domain.SweepResult
		after  snowflake.ID
	)

	for {
		page, err := db.Within(ctx, s.ledger.Get().StoreTimeout, "students.list_after", func(ctx context.Context) ([]*studentdomain.Student, error) {
			return s.students.ListAfter(ctx, after, batch)
		})
		if err != nil {
			return result, err
		}

		for _, student := range page {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Scanned++
			orgCtx := orgcontext.WithOrgID(ctx, int64(student.OrgID))
			_, changed, err := s.reconcile(orgCtx, student.OrgID, student.StudentID)
			if err != nil {
				result.Failed++
				s.metrics.RecordReconcile(ctx, metrics.ReconcileOutcomeError)
				s.log.Warn("reconciliation.sweep_student_failed",
					zap.String("org_id", student.OrgID.String()),
					zap.String("student_id", student.StudentID),
					zap.Error(err),
				)
				continue
			}
			if changed {
				result.Updated++
				s.metrics.RecordReconcile(ctx, metrics.ReconcileOutcomeUpdated)
			}
		}

		if len(page) < batch {
			return result, nil
		}
		after = page[len(page)-1].ID
	}
}
