package locker

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/feeledger/pkg/db"
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

var ErrLockTimeout = errors.New("lock_timeout")

// Locker serializes mutations of one student aggregate across callers.
type Locker interface {
	// Lock blocks until key is held, ctx ends, or the wait budget runs out.
	// The returned context marks key as held so nested calls do not re-acquire.
	Lock(ctx context.Context, key string) (context.Context, func(), error)
}

// StudentKey scopes a lock to one student of one organization.
func StudentKey(orgID, studentID string) string {
	return "student:" + orgID + ":" + studentID
}

type heldKey struct{ key string }

// Held reports whether ctx was returned by a Lock call for key.
func Held(ctx context.Context, key string) bool {
	if ctx == nil {
		return false
	}
	held, _ := ctx.Value(heldKey{key}).(bool)
	return held
}

func markHeld(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, heldKey{key}, true)
}

func timeoutErr(key string, cause error) error {
	if cause == nil {
		cause = ErrLockTimeout
	}
	return db.StoreUnavailable("lock "+key, errors.Join(ErrLockTimeout, cause))
}

func noop() {}

type waitObserver interface {
	ObserveLockWait(ctx context.Context, backend string, wait time.Duration)
}
