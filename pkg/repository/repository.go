package repository

import (
	"context"

	"github.com/smallbiznis/feeledger/pkg/db/option"
)

// Repository is the generic row store used by the domain repositories.
type Repository[T any] interface {
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, query *T, fields map[string]any) (int64, error)
	Delete(ctx context.Context, query *T) (int64, error)
}
