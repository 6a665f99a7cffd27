package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrStoreUnavailable marks a failed or timed out read or write against the ledger store.
var ErrStoreUnavailable = errors.New("store_unavailable")

// StoreUnavailable classifies err as a store failure for operation op.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Within runs fn under a deadline of timeout. Failures other than duplicate keys
// come back classified as ErrStoreUnavailable.
func Within[T any](ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := fn(ctx)
	if err != nil {
		var zero T
		if IsDuplicateKeyErr(err) {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		return zero, StoreUnavailable(op, err)
	}
	return result, nil
}

// Exec is Within for calls that only return an error.
func Exec(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	_, err := Within(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	msg := err.Error()
	// MySQL 1062, SQLite 2067
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "Error 1062") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
