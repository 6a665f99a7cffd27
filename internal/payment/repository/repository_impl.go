package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/feeledger/internal/payment/domain"
	"github.com/smallbiznis/feeledger/pkg/db/option"
	"github.com/smallbiznis/feeledger/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	store repository.Repository[domain.Payment]
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{store: repository.ProvideStore[domain.Payment](db)}
}

func (r *repo) Insert(ctx context.Context, payment *domain.Payment) error {
	return r.store.Create(ctx, payment)
}

func (r *repo) FindByID(ctx context.Context, orgID, id snowflake.ID) (*domain.Payment, error) {
	return r.store.FindOne(ctx, &domain.Payment{OrgID: orgID, ID: id})
}

func (r *repo) ListByStudent(ctx context.Context, orgID snowflake.ID, studentID string) ([]*domain.Payment, error) {
	return r.store.Find(ctx, &domain.Payment{OrgID: orgID, StudentID: studentID},
		option.ApplyOrder("due_date asc, id asc"),
	)
}

func (r *repo) ListByOrg(ctx context.Context, orgID, afterID snowflake.ID, limit int) ([]*domain.Payment, error) {
	return r.store.Find(ctx, &domain.Payment{OrgID: orgID},
		option.ApplyWhere("id > ?", afterID),
		option.ApplyOrder("id asc"),
		option.ApplyLimit(limit),
	)
}

func (r *repo) ListPromotable(ctx context.Context, dueBefore, createdBefore time.Time, limit int) ([]*domain.Payment, error) {
	return r.store.Find(ctx, &domain.Payment{Status: domain.StatusPending},
		option.ApplyWhere("due_date < ? AND created_at < ?", dueBefore, createdBefore),
		option.ApplyOrder("id asc"),
		option.ApplyLimit(limit),
	)
}

func (r *repo) Update(ctx context.Context, orgID, id snowflake.ID, patch domain.Patch) (*domain.Payment, error) {
	query := &domain.Payment{OrgID: orgID, ID: id}
	if fields := patch.Fields(); len(fields) > 0 {
		affected, err := r.store.Update(ctx, query, fields)
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, nil
		}
	}
	return r.store.FindOne(ctx, query)
}

func (r *repo) UpdateIfStatus(ctx context.Context, orgID, id snowflake.ID, from domain.Status, patch domain.Patch) (bool, error) {
	affected, err := r.store.Update(ctx, &domain.Payment{OrgID: orgID, ID: id, Status: from}, patch.Fields())
	return affected > 0, err
}

func (r *repo) Delete(ctx context.Context, orgID, id snowflake.ID) (bool, error) {
	affected, err := r.store.Delete(ctx, &domain.Payment{OrgID: orgID, ID: id})
	return affected > 0, err
}
