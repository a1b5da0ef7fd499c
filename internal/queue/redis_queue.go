package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"render-scheduler/internal/config"
)

// NewRedisClient builds the shared Redis client used by the queue, locks and revocation.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue coordinates ready, in-flight, and scheduled render tasks in Redis.
type RedisQueue struct {
	client        *redis.Client
	lanes         []string
	inflightKey   string
	scheduledKey  string
	taskMetaPref  string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue over the given client.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		lanes:         Lanes,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		taskMetaPref:  "queue:taskmeta:",
		visibilityTTL: visibility,
	}
}

// VisibilityTimeout is the lease granted on dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) readyKey(lane string) string {
	return fmt.Sprintf("queue:ready:%s", lane)
}

func (q *RedisQueue) metaKey(member string) string {
	return q.taskMetaPref + member
}

func normalizeLane(lane string) string {
	if !validLane(lane) {
		return LaneDefault
	}
	return lane
}

// Enqueue inserts a task into either the scheduled set or the lane's ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task, lane string, runAt time.Time) error {
	lane = normalizeLane(lane)
	member := task.String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(member), "lane", lane)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member})
	} else {
		pipe.RPush(ctx, q.readyKey(lane), member)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers a task until runAt.
func (q *RedisQueue) Schedule(ctx context.Context, task Task, lane string, runAt time.Time) error {
	lane = normalizeLane(lane)
	member := task.String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(member), "lane", lane)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) laneOf(ctx context.Context, member string) string {
	lane, err := q.client.HGet(ctx, q.metaKey(member), "lane").Result()
	if err != nil {
		return LaneDefault
	}
	return normalizeLane(lane)
}

// PromoteScheduled moves due scheduled tasks into their lanes. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.scheduledKey, m)
		pipe.RPush(ctx, q.readyKey(q.laneOf(ctx, m)), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// DequeueWithLease pops the next task across lanes in priority order and leases it.
// ok is false when every lane is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (task Task, ok bool, err error) {
	keys := make([]string, 0, len(q.lanes)+1)
	for _, l := range q.lanes {
		keys = append(keys, q.readyKey(l))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	member, isStr := res.(string)
	if !isStr {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	task, err = ParseTask(member)
	if err != nil {
		_ = q.ackMember(ctx, member)
		return Task{}, false, err
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for a task that is still in flight.
func (q *RedisQueue) ExtendLease(ctx context.Context, task Task, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: task.String(),
	}).Err()
}

// Ack removes a task from in-flight tracking along with its meta record.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	return q.ackMember(ctx, task.String())
}

func (q *RedisQueue) ackMember(ctx context.Context, member string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, member)
	pipe.Del(ctx, q.metaKey(member))
	_, err := pipe.Exec(ctx)
	return err
}

// Defer moves a leased task back to the scheduled set, keeping its lane.
func (q *RedisQueue) Defer(ctx context.Context, task Task, runAt time.Time) error {
	member := task.String()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, member)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member})
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases whose worker stopped heartbeating.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	tasks := make([]Task, 0, len(members))
	for _, m := range members {
		pipe.ZRem(ctx, q.inflightKey, m)
		t, err := ParseTask(m)
		if err != nil {
			pipe.Del(ctx, q.metaKey(m))
			continue
		}
		pipe.RPush(ctx, q.readyKey(q.laneOf(ctx, m)), m)
		tasks = append(tasks, t)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Remove drops every queued, scheduled, or leased task belonging to a job.
// It returns how many entries were removed.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (int, error) {
	keys := make([]string, 0, len(q.lanes)+2)
	for _, l := range q.lanes {
		keys = append(keys, q.readyKey(l))
	}
	keys = append(keys, q.scheduledKey, q.inflightKey)

	exact := JobTask(jobID).String()
	prefix := fmt.Sprintf("%s:%s:", KindFrame, jobID)
	res, err := removeScript.Run(ctx, q.client, keys, exact, prefix, len(q.lanes)).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	metas := make([]string, 0, len(res))
	for _, m := range res {
		metas = append(metas, q.metaKey(m))
	}
	if err := q.client.Del(ctx, metas...).Err(); err != nil {
		return len(res), err
	}
	return len(res), nil
}

// LaneDepths returns the ready list length for each lane.
func (q *RedisQueue) LaneDepths(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(q.lanes))
	for _, l := range q.lanes {
		cmds[l] = pipe.LLen(ctx, q.readyKey(l))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	depths := make(map[string]int64, len(cmds))
	for l, c := range cmds {
		depths[l] = c.Val()
	}
	return depths, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)

var removeScript = redis.NewScript(`
local exact = ARGV[1]
local prefix = ARGV[2]
local nlists = tonumber(ARGV[3])
local removed = {}
for i=1,#KEYS do
  local members
  if i <= nlists then
    members = redis.call('LRANGE', KEYS[i], 0, -1)
  else
    members = redis.call('ZRANGE', KEYS[i], 0, -1)
  end
  for _, m in ipairs(members) do
    if m == exact or string.sub(m, 1, #prefix) == prefix then
      if i <= nlists then
        if redis.call('LREM', KEYS[i], 0, m) > 0 then
          table.insert(removed, m)
        end
      elseif redis.call('ZREM', KEYS[i], m) > 0 then
        table.insert(removed, m)
      end
    end
  end
end
return removed
`)
