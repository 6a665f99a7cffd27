package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Repository persists payment records. Lookups return nil, nil when nothing matches.
// It never triggers reconciliation.
type Repository interface {
	Insert(ctx context.Context, payment *Payment) error
	FindByID(ctx context.Context, orgID, id snowflake.ID) (*Payment, error)
	ListByStudent(ctx context.Context, orgID snowflake.ID, studentID string) ([]*Payment, error)
	// ListByOrg pages through an organization's payments by primary key.
	ListByOrg(ctx context.Context, orgID, afterID snowflake.ID, limit int) ([]*Payment, error)
	// ListPromotable returns pending payments of every organization due before
	// dueBefore and created before createdBefore.
	ListPromotable(ctx context.Context, dueBefore, createdBefore time.Time, limit int) ([]*Payment, error)
	Update(ctx context.Context, orgID, id snowflake.ID, patch Patch) (*Payment, error)
	// UpdateIfStatus applies patch only while the stored status is still from.
	UpdateIfStatus(ctx context.Context, orgID, id snowflake.ID, from Status, patch Patch) (bool, error)
	Delete(ctx context.Context, orgID, id snowflake.ID) (bool, error)
}
