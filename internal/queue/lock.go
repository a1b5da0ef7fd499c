package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another worker owns the job lock.
var ErrLockHeld = errors.New("job lock held by another worker")

// Locker hands out per-job mutual exclusion so a job run and a frame retry never overlap.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Lock is a held job lock. Only the holder's token can refresh or release it.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func lockKey(jobID string) string {
	return "render:lock:" + jobID
}

// Acquire takes the lock for jobID or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, jobID string) (*Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(jobID), token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: l.client, key: lockKey(jobID), token: token, ttl: l.ttl}, nil
}

// TTL is the expiry applied on acquire and refresh.
func (lk *Lock) TTL() time.Duration {
	return lk.ttl
}

// Refresh extends the lock expiry if it is still held by this token.
func (lk *Lock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, lk.client, []string{lk.key}, lk.token, lk.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// Release deletes the lock if it is still held by this token.
func (lk *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
