package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type ListFilter struct {
	Status Status
	After  string
	Limit  int
}

// Repository persists student records. Lookups return nil, nil when nothing matches.
type Repository interface {
	Insert(ctx context.Context, student *Student) error
	FindByStudentID(ctx context.Context, orgID snowflake.ID, studentID string) (*Student, error)
	List(ctx context.Context, orgID snowflake.ID, filter ListFilter) ([]*Student, error)
	// ListAfter pages through every student of every organization by primary key.
	ListAfter(ctx context.Context, afterID snowflake.ID, limit int) ([]*Student, error)
	Update(ctx context.Context, orgID snowflake.ID, studentID string, patch Patch) (*Student, error)
	Delete(ctx context.Context, orgID snowflake.ID, studentID string) (bool, error)
	ListOrganizations(ctx context.Context) ([]snowflake.ID, error)
}
