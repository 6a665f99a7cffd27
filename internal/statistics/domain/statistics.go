package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var ErrInvalidOrganization = errors.New("invalid_organization")

// Statistics sums an organization's ledger twice: once over the payment log
// and once over the cached student aggregates.
type Statistics struct {
	Collected    decimal.Decimal `json:"collected"`
	Pending      decimal.Decimal `json:"pending"`
	Overdue      decimal.Decimal `json:"overdue"`
	PaymentCount int             `json:"payment_count"`

	StudentPaid      decimal.Decimal `json:"student_paid"`
	StudentPending   decimal.Decimal `json:"student_pending"`
	StudentTotalFees decimal.Decimal `json:"student_total_fees"`
	StudentCount     int             `json:"student_count"`

	ConsistencyCheck ConsistencyCheck `json:"consistency_check"`
	Drift            []StudentDrift   `json:"drift"`
	ComputedAt       time.Time        `json:"computed_at"`
}

// ConsistencyCheck compares both views. A non-zero Difference means some
// payment change never reached its student aggregate.
type ConsistencyCheck struct {
	PaymentTotal decimal.Decimal `json:"payment_total"`
	StudentTotal decimal.Decimal `json:"student_total"`
	Difference   decimal.Decimal `json:"difference"`
}

func (c ConsistencyCheck) Consistent() bool {
	return c.Difference.IsZero()
}

// StudentDrift is a student whose stored fees paid disagrees with its paid payments.
// Orphaned marks paid payments whose student record no longer exists.
type StudentDrift struct {
	StudentID  string          `json:"student_id"`
	StoredPaid decimal.Decimal `json:"stored_paid"`
	LedgerPaid decimal.Decimal `json:"ledger_paid"`
	Difference decimal.Decimal `json:"difference"`
	Orphaned   bool            `json:"orphaned,omitempty"`
}

type Service interface {
	ComputeStatistics(ctx context.Context) (Statistics, error)
	ListOrganizations(ctx context.Context) ([]snowflake.ID, error)
}
