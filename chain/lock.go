package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it is still held by this owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// SubmissionLock serializes transaction submission per chain across
// processes. The in-process mutex on WriteClient is enough for a single
// instance; the redis lock covers deployments running more than one.
type SubmissionLock struct {
	rdb       *redis.Client
	ttl       time.Duration
	retryWait time.Duration
}

func NewSubmissionLock(rdb *redis.Client) *SubmissionLock {
	return &SubmissionLock{
		rdb:       rdb,
		ttl:       30 * time.Second,
		retryWait: 100 * time.Millisecond,
	}
}

func lockKey(chainID uint64) string {
	return fmt.Sprintf("mint:submission:%d", chainID)
}

// Acquire blocks until the per-chain lock is held or the context expires.
// The returned function releases the lock.
func (l *SubmissionLock) Acquire(ctx context.Context, chainID uint64) (func(), error) {
	key := lockKey(chainID)
	owner := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "SubmissionLock: SetNX")
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "SubmissionLock: Acquire")
		case <-time.After(l.retryWait):
		}
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{key}, owner).Err()
	}

	return release, nil
}
