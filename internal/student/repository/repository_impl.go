package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/feeledger/internal/student/domain"
	"github.com/smallbiznis/feeledger/pkg/db/option"
	"github.com/smallbiznis/feeledger/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	db    *gorm.DB
	store repository.Repository[domain.Student]
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{
		db:    db,
		store: repository.ProvideStore[domain.Student](db),
	}
}

func (r *repo) Insert(ctx context.Context, student *domain.Student) error {
	return r.store.Create(ctx, student)
}

func (r *repo) FindByStudentID(ctx context.Context, orgID snowflake.ID, studentID string) (*domain.Student, error) {
	return r.store.FindOne(ctx, &domain.Student{OrgID: orgID, StudentID: studentID})
}

func (r *repo) List(ctx context.Context, orgID snowflake.ID, filter domain.ListFilter) ([]*domain.Student, error) {
	query := &domain.Student{OrgID: orgID, Status: filter.Status}
	opts := []option.QueryOption{
		option.ApplyOrder("student_id asc"),
		option.ApplyLimit(filter.Limit),
	}
	if filter.After != "" {
		opts = append(opts, option.ApplyWhere("student_id > ?", filter.After))
	}
	return r.store.Find(ctx, query, opts...)
}

func (r *repo) ListAfter(ctx context.Context, afterID snowflake.ID, limit int) ([]*domain.Student, error) {
	return r.store.Find(ctx, &domain.Student{},
		option.ApplyWhere("id > ?", afterID),
		option.ApplyOrder("id asc"),
		option.ApplyLimit(limit),
	)
}

func (r *repo) Update(ctx context.Context, orgID snowflake.ID, studentID string, patch domain.Patch) (*domain.Student, error) {
	query := &domain.Student{OrgID: orgID, StudentID: studentID}
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

func (r *repo) Delete(ctx context.Context, orgID snowflake.ID, studentID string) (bool, error) {
	affected, err := r.store.Delete(ctx, &domain.Student{OrgID: orgID, StudentID: studentID})
	return affected > 0, err
}

func (r *repo) ListOrganizations(ctx context.Context) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).
		Model(&domain.Student{}).
		Distinct("org_id").
		Order("org_id asc").
		Pluck("org_id", &ids).Error
	return ids, err
}
