package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusPending, StatusPaid:
		return true
	default:
		return false
	}
}

// Student is the cached per-student balance. FeesPaid, FeesDue and Status are
// written only by reconciliation; TotalFees is authoritative.
type Student struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID      `gorm:"not null;uniqueIndex:ux_students_org_student" json:"organization_id"`
	StudentID string            `gorm:"not null;size:64;uniqueIndex:ux_students_org_student" json:"student_id"`
	Name      string            `gorm:"not null" json:"name"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	ClassName string            `gorm:"column:class_name" json:"class_name,omitempty"`
	Metadata  datatypes.JSONMap `gorm:"not null;default:'{}'" json:"metadata,omitempty"`
	TotalFees decimal.Decimal   `gorm:"type:numeric(14,2);not null" json:"total_fees"`
	FeesPaid  decimal.Decimal   `gorm:"type:numeric(14,2);not null" json:"fees_paid"`
	FeesDue   decimal.Decimal   `gorm:"type:numeric(14,2);not null" json:"fees_due"`
	Status    Status            `gorm:"type:varchar(16);not null;index" json:"status"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null" json:"updated_at"`
}

func (Student) TableName() string { return "students" }

// Aggregate is the derived part of a student record.
type Aggregate struct {
	FeesPaid decimal.Decimal
	FeesDue  decimal.Decimal
	Status   Status
}

// Derive computes the aggregate for a total and the sum of paid amounts.
func Derive(totalFees, paid decimal.Decimal) Aggregate {
	due := totalFees.Sub(paid)
	if due.IsNegative() {
		due = decimal.Zero
	}

	status := StatusPending
	switch {
	case paid.IsZero():
		status = StatusNotStarted
	case totalFees.IsPositive() && paid.GreaterThanOrEqual(totalFees):
		status = StatusPaid
	}

	return Aggregate{FeesPaid: paid, FeesDue: due, Status: status}
}

func (s Student) Aggregate() Aggregate {
	return Aggregate{FeesPaid: s.FeesPaid, FeesDue: s.FeesDue, Status: s.Status}
}

// Equal compares amounts numerically so 100 and 100.00 match.
func (a Aggregate) Equal(other Aggregate) bool {
	return a.FeesPaid.Equal(other.FeesPaid) &&
		a.FeesDue.Equal(other.FeesDue) &&
		a.Status == other.Status
}

// Patch lists student columns to change. Nil fields are left alone.
type Patch struct {
	Name      *string
	Email     *string
	Phone     *string
	ClassName *string
	Metadata  datatypes.JSONMap
	TotalFees *decimal.Decimal
	Aggregate *Aggregate
	UpdatedAt time.Time
}

func (p Patch) Fields() map[string]any {
	fields := map[string]any{}
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.Email != nil {
		fields["email"] = *p.Email
	}
	if p.Phone != nil {
		fields["phone"] = *p.Phone
	}
	if p.ClassName != nil {
		fields["class_name"] = *p.ClassName
	}
	if p.Metadata != nil {
		fields["metadata"] = p.Metadata
	}
	if p.TotalFees != nil {
		fields["total_fees"] = *p.TotalFees
	}
	if p.Aggregate != nil {
		fields["fees_paid"] = p.Aggregate.FeesPaid
		fields["fees_due"] = p.Aggregate.FeesDue
		fields["status"] = p.Aggregate.Status
	}
	if len(fields) > 0 && !p.UpdatedAt.IsZero() {
		fields["updated_at"] = p.UpdatedAt
	}
	return fields
}
