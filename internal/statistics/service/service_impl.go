package service

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/orgcontext"
	"github.com/smallbiznis/feeledger/internal/overdue"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	"github.com/smallbiznis/feeledger/internal/statistics/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
	"github.com/smallbiznis/feeledger/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const pageSize = 500

type Params struct {
	fx.In

	Students studentdomain.Repository
	Payments paymentdomain.Repository
	Clock    clock.Clock
	Ledger   *config.LedgerConfigHolder
	Log      *zap.Logger
}

type Service struct {
	students studentdomain.Repository
	payments paymentdomain.Repository
	clock    clock.Clock
	ledger   *config.LedgerConfigHolder
	log      *zap.Logger
	tracer   trace.Tracer
}

func New(p Params) domain.Service {
	return &Service{
		students: p.Students,
		payments: p.Payments,
		clock:    p.Clock,
		ledger:   p.Ledger,
		log:      p.Log.Named("statistics.service"),
		tracer:   otel.Tracer("feeledger/statistics"),
	}
}

// ComputeStatistics never writes. Pending payments past their grace window are
// counted as overdue without being promoted.
func (s *Service) ComputeStatistics(ctx context.Context) (domain.Statistics, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Statistics{}, domain.ErrInvalidOrganization
	}

	ctx, span := s.tracer.Start(ctx, "statistics.Compute")
	defer span.End()

	settings := s.ledger.Get()
	now := s.clock.Now()
	stats := domain.Statistics{
		Collected:        decimal.Zero,
		Pending:          decimal.Zero,
		Overdue:          decimal.Zero,
		StudentPaid:      decimal.Zero,
		StudentPending:   decimal.Zero,
		StudentTotalFees: decimal.Zero,
		Drift:            []domain.StudentDrift{},
		ComputedAt:       now,
	}

	ledgerPaid := map[string]decimal.Decimal{}
	var after snowflake.ID
	for {
		page, err := db.Within(ctx, settings.StoreTimeout, "payments.list_by_org", func(ctx context.Context) ([]*paymentdomain.Payment, error) {
			return s.payments.ListByOrg(ctx, orgID, after, pageSize)
		})
		if err != nil {
			span.SetStatus(codes.Error, "payments read failed")
			return domain.Statistics{}, err
		}
		for _, p := range page {
			stats.PaymentCount++
			status := p.Status
			if overdue.ShouldPromote(*p, now, settings.GracePeriod) {
				status = paymentdomain.StatusOverdue
			}
			switch status {
			case paymentdomain.StatusPaid:
				stats.Collected = stats.Collected.Add(p.Amount)
				ledgerPaid[p.StudentID] = ledgerPaid[p.StudentID].Add(p.Amount)
			case paymentdomain.StatusPending:
				stats.Pending = stats.Pending.Add(p.Amount)
			case paymentdomain.StatusOverdue:
				stats.Overdue = stats.Overdue.Add(p.Amount)
			}
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	seen := make(map[string]struct{}, len(ledgerPaid))
	cursor := ""
	for {
		filter := studentdomain.ListFilter{After: cursor, Limit: pageSize}
		page, err := db.Within(ctx, settings.StoreTimeout, "students.list", func(ctx context.Context) ([]*studentdomain.Student, error) {
			return s.students.List(ctx, orgID, filter)
		})
		if err != nil {
			span.SetStatus(codes.Error, "students read failed")
			return domain.Statistics{}, err
		}
		for _, st := range page {
			stats.StudentCount++
			stats.StudentPaid = stats.StudentPaid.Add(st.FeesPaid)
			stats.StudentPending = stats.StudentPending.Add(st.FeesDue)
			stats.StudentTotalFees = stats.StudentTotalFees.Add(st.TotalFees)

			seen[st.StudentID] = struct{}{}
			paid := ledgerPaid[st.StudentID]
			if !paid.Equal(st.FeesPaid) {
				stats.Drift = append(stats.Drift, domain.StudentDrift{
					StudentID:  st.StudentID,
					StoredPaid: st.FeesPaid,
					LedgerPaid: paid,
					Difference: st.FeesPaid.Sub(paid).Abs(),
				})
			}
		}
		if len(page) < pageSize {
			break
		}
		cursor = page[len(page)-1].StudentID
	}

	orphans := make([]string, 0)
	for studentID := range ledgerPaid {
		if _, ok := seen[studentID]; !ok {
			orphans = append(orphans, studentID)
		}
	}
	sort.Strings(orphans)
	for _, studentID := range orphans {
		paid := ledgerPaid[studentID]
		stats.Drift = append(stats.Drift, domain.StudentDrift{
			StudentID:  studentID,
			StoredPaid: decimal.Zero,
			LedgerPaid: paid,
			Difference: paid,
			Orphaned:   true,
		})
	}

	paymentTotal := stats.Collected.Add(stats.Pending).Add(stats.Overdue)
	studentTotal := stats.StudentPaid.Add(stats.StudentPending)
	stats.ConsistencyCheck = domain.ConsistencyCheck{
		PaymentTotal: paymentTotal,
		StudentTotal: studentTotal,
		Difference:   paymentTotal.Sub(studentTotal).Abs(),
	}

	span.SetAttributes(
		attribute.Int("ledger.students", stats.StudentCount),
		attribute.Int("ledger.payments", stats.PaymentCount),
		attribute.Int("ledger.drifted_students", len(stats.Drift)),
	)
	s.log.Debug("statistics.computed",
		zap.String("org_id", orgID.String()),
		zap.String("difference", stats.ConsistencyCheck.Difference.String()),
		zap.Int("drifted_students", len(stats.Drift)),
	)
	return stats, nil
}

func (s *Service) ListOrganizations(ctx context.Context) ([]snowflake.ID, error) {
	return db.Within(ctx, s.ledger.Get().StoreTimeout, "students.list_organizations", func(ctx context.Context) ([]snowflake.ID, error) {
		return s.students.ListOrganizations(ctx)
	})
}
