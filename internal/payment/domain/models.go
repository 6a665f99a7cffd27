package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

type Method string

const (
	MethodCash         Method = "cash"
	MethodBankTransfer Method = "bank_transfer"
	MethodCard         Method = "card"
	MethodCheque       Method = "cheque"
	MethodUPI          Method = "upi"
	MethodOther        Method = "other"
)

// ParseMethod accepts any casing and spaces or dashes for underscores.
func ParseMethod(raw string) (Method, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch Method(normalized) {
	case MethodCash, MethodBankTransfer, MethodCard, MethodCheque, MethodUPI, MethodOther:
		return Method(normalized), true
	default:
		return "", false
	}
}

// Payment is one fee instalment. PaidDate, Method and ReceiptID are set only
// once the payment is paid.
type Payment struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID    `gorm:"not null;index:ix_payments_org_student" json:"organization_id"`
	StudentID string          `gorm:"not null;size:64;index:ix_payments_org_student" json:"student_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	Status    Status          `gorm:"type:varchar(16);not null;index" json:"status"`
	DueDate   time.Time       `gorm:"type:date;not null" json:"due_date"`
	PaidDate  *time.Time      `json:"paid_date,omitempty"`
	Method    Method          `gorm:"type:varchar(32)" json:"method,omitempty"`
	ReceiptID string          `gorm:"size:64" json:"receipt_id,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

func (p Payment) IsPaid() bool { return p.Status == StatusPaid }

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Patch lists payment columns to change. Nil fields are left alone.
type Patch struct {
	Amount    *decimal.Decimal
	Status    *Status
	DueDate   *time.Time
	PaidDate  *time.Time
	Method    *Method
	ReceiptID *string
	Note      *string
	UpdatedAt time.Time
}

func (p Patch) Fields() map[string]any {
	fields := map[string]any{}
	if p.Amount != nil {
		fields["amount"] = *p.Amount
	}
	if p.Status != nil {
		fields["status"] = *p.Status
	}
	if p.DueDate != nil {
		fields["due_date"] = DateOnly(*p.DueDate)
	}
	if p.PaidDate != nil {
		fields["paid_date"] = p.PaidDate.UTC()
	}
	if p.Method != nil {
		fields["method"] = *p.Method
	}
	if p.ReceiptID != nil {
		fields["receipt_id"] = *p.ReceiptID
	}
	if p.Note != nil {
		fields["note"] = *p.Note
	}
	if len(fields) > 0 && !p.UpdatedAt.IsZero() {
		fields["updated_at"] = p.UpdatedAt
	}
	return fields
}

// Totals sums amounts per status.
type Totals struct {
	Paid         decimal.Decimal `json:"paid"`
	Pending      decimal.Decimal `json:"pending"`
	Overdue      decimal.Decimal `json:"overdue"`
	PaidCount    int             `json:"paid_count"`
	PendingCount int             `json:"pending_count"`
	OverdueCount int             `json:"overdue_count"`
}

func (t *Totals) Add(p Payment) {
	switch p.Status {
	case StatusPaid:
		t.Paid = t.Paid.Add(p.Amount)
		t.PaidCount++
	case StatusPending:
		t.Pending = t.Pending.Add(p.Amount)
		t.PendingCount++
	case StatusOverdue:
		t.Overdue = t.Overdue.Add(p.Amount)
		t.OverdueCount++
	}
}

func (t Totals) All() decimal.Decimal {
	return t.Paid.Add(t.Pending).Add(t.Overdue)
}

func Sum(payments []*Payment) Totals {
	var totals Totals
	for _, p := range payments {
		if p != nil {
			totals.Add(*p)
		}
	}
	return totals
}
