// AngelaMos | 2026
// lock.go

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("reconciliation lock not acquired")

// Locker serializes the read-decide-write reconciliation sequence per
// account, so a webhook and a concurrent manual sync cannot make the
// usage-reset decision on stale plan data.
type Locker interface {
	WithLock(
		ctx context.Context,
		accountID string,
		fn func(ctx context.Context) error,
	) error
}

// releaseScript deletes the lock only if it still holds our token, so
// an expired lock taken over by another worker is never released from
// here.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

type AccountLocker struct {
	rdb       *redis.Client
	ttl       time.Duration
	retryWait time.Duration
	maxWait   time.Duration
}

func NewAccountLocker(rdb *redis.Client, ttl time.Duration) *AccountLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &AccountLocker{
		rdb:       rdb,
		ttl:       ttl,
		retryWait: 50 * time.Millisecond,
		maxWait:   5 * time.Second,
	}
}

func (l *AccountLocker) WithLock(
	ctx context.Context,
	accountID string,
	fn func(ctx context.Context) error,
) error {
	key := "billing:reconcile:" + accountID
	token := uuid.New().String()

	deadline := time.Now().Add(l.maxWait)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire reconciliation lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryWait):
		}
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(
			context.Background(),
			2*time.Second,
		)
		defer cancel()
		//nolint:errcheck // lock expires on its own if release fails
		_ = releaseScript.Run(releaseCtx, l.rdb, []string{key}, token).Err()
	}()

	return fn(ctx)
}

var _ Locker = (*AccountLocker)(nil)
