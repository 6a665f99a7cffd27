package domain

import (
	"context"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
)

// Summary is a read-only view of one student's ledger.
type Summary struct {
	StudentID string                  `json:"student_id"`
	TotalFees decimal.Decimal         `json:"total_fees"`
	Stored    AggregateView           `json:"stored"`
	Computed  AggregateView           `json:"computed"`
	Totals    paymentdomain.Totals    `json:"transactions"`
	Drifted   bool                    `json:"drifted"`
	Payments  []paymentdomain.Payment `json:"payments"`
}

type AggregateView struct {
	FeesPaid decimal.Decimal      `json:"fees_paid"`
	FeesDue  decimal.Decimal      `json:"fees_due"`
	Status   studentdomain.Status `json:"status"`
}

func ViewOf(a studentdomain.Aggregate) AggregateView {
	return AggregateView{FeesPaid: a.FeesPaid, FeesDue: a.FeesDue, Status: a.Status}
}

type SweepResult struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Reconciler rebuilds student aggregates from the payment log.
type Reconciler interface {
	// Reconcile recomputes and stores the aggregate of the student in ctx's
	// organization. It writes and notifies only when something changed.
	Reconcile(ctx context.Context, studentID string) (studentdomain.Student, error)
	Summarize(ctx context.Context, studentID string) (Summary, error)
	// ReconcileAll walks every student of every organization in pages of batch.
	ReconcileAll(ctx context.Context, batch int) (SweepResult, error)
}
