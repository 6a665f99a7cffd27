package overdue

import (
	"context"
	"time"

	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	"github.com/smallbiznis/feeledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ShouldPromote reports whether a pending payment has become overdue. Due dates
// are whole days, so a payment stays pending through its due day. The grace
// window keeps a payment created with a past due date pending for its first moments.
func ShouldPromote(p paymentdomain.Payment, now time.Time, grace time.Duration) bool {
	if p.Status != paymentdomain.StatusPending {
		return false
	}
	return p.DueDate.Before(paymentdomain.DateOnly(now)) && now.Sub(p.CreatedAt) > grace
}

type Params struct {
	fx.In

	Repo      paymentdomain.Repository
	Clock     clock.Clock
	Ledger    *config.LedgerConfigHolder
	Publisher events.Publisher
	Metrics   *metrics.Metrics `optional:"true"`
	Log       *zap.Logger
}

// Promoter moves stale pending payments to overdue, either while they are read
// or from a periodic sweep.
type Promoter struct {
	repo      paymentdomain.Repository
	clock     clock.Clock
	ledger    *config.LedgerConfigHolder
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func New(p Params) *Promoter {
	return &Promoter{
		repo:      p.Repo,
		clock:     p.Clock,
		ledger:    p.Ledger,
		publisher: p.Publisher,
		metrics:   p.Metrics,
		log:       p.Log.Named("overdue.promoter"),
	}
}

// Normalize promotes eligible payments in place and persists each promotion.
// A promotion that cannot be stored is logged and still reported as overdue.
func (p *Promoter) Normalize(ctx context.Context, payments []*paymentdomain.Payment) []*paymentdomain.Payment {
	now := p.clock.Now()
	grace := p.ledger.Get().GracePeriod
	promoted := 0

	for _, payment := range payments {
		if payment == nil || !ShouldPromote(*payment, now, grace) {
			continue
		}
		ok, err := p.promote(ctx, payment, now)
		if err != nil {
			p.log.Warn("overdue promotion not persisted",
				zap.String("payment_id", payment.ID.String()),
				zap.String("student_id", payment.StudentID),
				zap.Error(err),
			)
			payment.Status = paymentdomain.StatusOverdue
			continue
		}
		if ok {
			promoted++
		}
	}

	p.metrics.RecordPromotions(ctx, promoted)
	return payments
}

// Sweep promotes up to limit eligible payments across all organizations.
func (p *Promoter) Sweep(ctx context.Context, limit int) (int, error) {
	settings := p.ledger.Get()
	now := p.clock.Now()

	candidates, err := db.Within(ctx, settings.StoreTimeout, "payments.list_promotable",
		func(ctx context.Context) ([]*paymentdomain.Payment, error) {
			return p.repo.ListPromotable(ctx, paymentdomain.DateOnly(now), now.Add(-settings.GracePeriod), limit)
		})
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, payment := range candidates {
		if !ShouldPromote(*payment, now, settings.GracePeriod) {
			continue
		}
		ok, err := p.promote(ctx, payment, now)
		if err != nil {
			p.metrics.RecordPromotions(ctx, promoted)
			return promoted, err
		}
		if ok {
			promoted++
		}
	}

	p.metrics.RecordPromotions(ctx, promoted)
	return promoted, nil
}

// promote flips pending to overdue only if nobody changed the status meanwhile.
func (p *Promoter) promote(ctx context.Context, payment *paymentdomain.Payment, now time.Time) (bool, error) {
	overdue := paymentdomain.StatusOverdue
	patch := paymentdomain.Patch{Status: &overdue, UpdatedAt: now}

	ok, err := db.Within(ctx, p.ledger.Get().StoreTimeout, "payments.promote", func(ctx context.Context) (bool, error) {
		return p.repo.UpdateIfStatus(ctx, payment.OrgID, payment.ID, paymentdomain.StatusPending, patch)
	})
	if err != nil || !ok {
		return false, err
	}

	payment.Status = overdue
	payment.UpdatedAt = now
	p.publisher.Publish(ctx, events.New(events.PaymentUpdated, payment.OrgID.String(), payment.StudentID, now, *payment).
		WithPayment(payment.ID.String()))
	p.log.Debug("payment promoted to overdue",
		zap.String("payment_id", payment.ID.String()),
		zap.String("student_id", payment.StudentID),
	)
	return true, nil
}
