package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestWithinClassifiesFailures(t *testing.T) {
	_, err := Within(context.Background(), time.Second, "students.get", func(context.Context) (int, error) {
		return 0, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "students.get")
}

func TestWithinAppliesDeadline(t *testing.T) {
	_, err := Within(context.Background(), 10*time.Millisecond, "payments.list", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithinKeepsDuplicateKeyUnclassified(t *testing.T) {
	_, err := Within(context.Background(), time.Second, "students.create", func(context.Context) (int, error) {
		return 0, gorm.ErrDuplicatedKey
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, IsDuplicateKeyErr(err))
}

func TestWithinReturnsResult(t *testing.T) {
	got, err := Within(context.Background(), time.Second, "op", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: students.org_id, students.student_id")))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
	assert.False(t, IsDuplicateKeyErr(nil))
}

func TestStoreUnavailableDoesNotDoubleWrap(t *testing.T) {
	first := StoreUnavailable("a", errors.New("x"))
	second := StoreUnavailable("b", first)
	assert.Equal(t, first, second)
	assert.Nil(t, StoreUnavailable("c", nil))
}
