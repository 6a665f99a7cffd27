package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidID            = errors.New("invalid_id")
	ErrInvalidStudentID     = errors.New("invalid_student_id")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidDueDate       = errors.New("invalid_due_date")
	ErrInvalidMethod        = errors.New("invalid_method")
	ErrInvalidPaidDate      = errors.New("invalid_paid_date")
	ErrAmountExceedsBalance = errors.New("amount_exceeds_balance")
	ErrNotPaid              = errors.New("payment_not_paid")
	ErrAlreadyPaid          = errors.New("payment_already_paid")
	ErrStudentNotFound      = errors.New("student_not_found")
	ErrNotFound             = errors.New("not_found")

	// ErrNotReconciled accompanies a payment that was saved while the owning
	// student aggregate could not be brought up to date.
	ErrNotReconciled = errors.New("saved_not_reconciled")
)

// BalanceExceededError rejects an amount above what the student still owes.
type BalanceExceededError struct {
	Remaining decimal.Decimal
}

func (e *BalanceExceededError) Error() string {
	return fmt.Sprintf("amount exceeds remaining balance of %s", e.Remaining.StringFixed(2))
}

func (e *BalanceExceededError) Is(target error) bool {
	return target == ErrAmountExceedsBalance
}
