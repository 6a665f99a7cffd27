package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type AddPaymentRequest struct {
	StudentID string          `json:"student_id" validate:"required,max=64"`
	Amount    decimal.Decimal `json:"amount"`
	DueDate   time.Time       `json:"due_date" validate:"required"`
	Method    string          `json:"method" validate:"omitempty,max=32"`
	ReceiptID string          `json:"receipt_id" validate:"omitempty,max=64"`
	Note      string          `json:"note" validate:"omitempty,max=500"`
}

type RecordPaymentRequest struct {
	PaymentID string `json:"-" validate:"required"`
	Method    string `json:"method" validate:"required,max=32"`
	ReceiptID string `json:"receipt_id" validate:"omitempty,max=64"`
}

type UpdatePaymentRequest struct {
	PaymentID string           `json:"-" validate:"required"`
	Amount    *decimal.Decimal `json:"amount"`
	DueDate   *time.Time       `json:"due_date"`
	PaidDate  *time.Time       `json:"paid_date"`
	Method    *string          `json:"method" validate:"omitempty,max=32"`
	Note      *string          `json:"note" validate:"omitempty,max=500"`
}

type Service interface {
	AddPayment(ctx context.Context, req AddPaymentRequest) (Payment, error)
	RecordPayment(ctx context.Context, req RecordPaymentRequest) (Payment, error)
	UpdatePayment(ctx context.Context, req UpdatePaymentRequest) (Payment, error)
	DeletePayment(ctx context.Context, paymentID string) error
	Get(ctx context.Context, paymentID string) (Payment, error)
	ListByStudent(ctx context.Context, studentID string) ([]Payment, error)
}
