package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/feeledger/pkg/db/pagination"
)

type CreateStudentRequest struct {
	StudentID string          `json:"student_id" validate:"required,max=64"`
	Name      string          `json:"name" validate:"required,max=200"`
	Email     string          `json:"email" validate:"omitempty,email"`
	Phone     string          `json:"phone" validate:"omitempty,max=32"`
	ClassName string          `json:"class_name" validate:"omitempty,max=64"`
	TotalFees decimal.Decimal `json:"total_fees"`
	Metadata  map[string]any  `json:"metadata"`
}

type UpdateStudentRequest struct {
	StudentID string           `json:"-" validate:"required"`
	Name      *string          `json:"name" validate:"omitempty,min=1,max=200"`
	Email     *string          `json:"email" validate:"omitempty,email"`
	Phone     *string          `json:"phone" validate:"omitempty,max=32"`
	ClassName *string          `json:"class_name" validate:"omitempty,max=64"`
	TotalFees *decimal.Decimal `json:"total_fees"`
	Metadata  map[string]any   `json:"metadata"`
}

type ListStudentRequest struct {
	PageToken string
	PageSize  int
	Status    string
}

type ListStudentResponse struct {
	pagination.PageInfo
	Students []Student `json:"students"`
}

type Service interface {
	Create(ctx context.Context, req CreateStudentRequest) (Student, error)
	Get(ctx context.Context, studentID string) (Student, error)
	List(ctx context.Context, req ListStudentRequest) (ListStudentResponse, error)
	Update(ctx context.Context, req UpdateStudentRequest) (Student, error)
	Delete(ctx context.Context, studentID string) error
}
