package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/seantiz/sandbox/internal/model"
)

// Key layout:
//
//	<prefix>task:<id>     hash with the task fields
//	<prefix>queue:new     zset of claimable ids scored by creation millis
//	<prefix>queue:leased  zset of claimed ids scored by lease expiry millis
//	<prefix>owner:<owner> zset of an owner's ids scored by creation millis
//	<prefix>counts        hash of state -> task count
const defaultRedisPrefix = "sandbox:"

// Each script runs atomically on the server, so a claim is exclusive across
// any number of API replicas.
var (
	claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
local key = ARGV[4] .. 'task:' .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', key, 'state', 'in_progress', 'current', 0, 'claimed_by', ARGV[1], 'updated', ARGV[3])
if ARGV[2] ~= '' then
  redis.call('HSET', key, 'lease', ARGV[2])
  redis.call('ZADD', KEYS[2], ARGV[2], id)
else
  redis.call('HDEL', key, 'lease')
end
redis.call('HINCRBY', KEYS[3], 'new', -1)
redis.call('HINCRBY', KEYS[3], 'in_progress', 1)
return id
`)

	progressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local f = redis.call('HMGET', KEYS[1], 'state', 'claimed_by', 'current')
if f[1] ~= 'in_progress' then return 'rejected' end
if ARGV[1] ~= '' and f[2] ~= ARGV[1] then return 'rejected' end
if tonumber(ARGV[2]) < tonumber(f[3] or '0') then return 'rejected' end
redis.call('HSET', KEYS[1], 'current', ARGV[2], 'total', ARGV[3], 'updated', ARGV[5])
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'lease', ARGV[4])
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[6])
end
return 'ok'
`)

	terminalScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local f = redis.call('HMGET', KEYS[1], 'state', 'claimed_by')
if f[1] ~= 'in_progress' then return 'rejected' end
if ARGV[1] ~= '' and f[2] ~= ARGV[1] then return 'rejected' end
redis.call('HSET', KEYS[1], 'state', ARGV[2], ARGV[3], ARGV[4], 'updated', ARGV[5])
redis.call('HDEL', KEYS[1], 'lease')
redis.call('ZREM', KEYS[2], ARGV[6])
redis.call('HINCRBY', KEYS[3], 'in_progress', -1)
redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
return 'ok'
`)

	reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local reclaimed = {}
for _, id in ipairs(ids) do
  local key = ARGV[2] .. 'task:' .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', key, 'state') == 'in_progress' then
    redis.call('HSET', key, 'state', 'new', 'current', 0, 'updated', ARGV[3])
    redis.call('HDEL', key, 'claimed_by', 'lease')
    redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'created_ms'), id)
    redis.call('HINCRBY', KEYS[3], 'in_progress', -1)
    redis.call('HINCRBY', KEYS[3], 'new', 1)
    table.insert(reclaimed, id)
  end
end
return reclaimed
`)
)

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on a single Redis instance.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   options
}

// NewRedisStore connects to the Redis server at rawURL (redis://host:port/db)
// and verifies the connection.
func NewRedisStore(ctx context.Context, rawURL string, opts ...Option) (*RedisStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storageErr("ping redis", err)
	}

	return &RedisStore{client: client, prefix: defaultRedisPrefix, opts: o}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) taskKey(id string) string { return s.prefix + "task:" + id }

func (s *RedisStore) ownerKey(owner string) string { return s.prefix + "owner:" + owner }

func (s *RedisStore) newQueueKey() string { return s.prefix + "queue:new" }

func (s *RedisStore) leasedKey() string { return s.prefix + "queue:leased" }

func (s *RedisStore) countsKey() string { return s.prefix + "counts" }

func (s *RedisStore) stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (s *RedisStore) leaseArg(now time.Time) string {
	if s.opts.lease <= 0 {
		return ""
	}
	return strconv.FormatInt(now.Add(s.opts.lease).UnixMilli(), 10)
}

// CreateTask writes the task hash and enqueues it in one MULTI/EXEC.
func (s *RedisStore) CreateTask(ctx context.Context, t *model.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	createdMs := t.CreatedAt.UnixMilli()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.taskKey(t.ID), map[string]interface{}{
			"id":         t.ID,
			"owner":      t.Owner,
			"prompt":     t.Prompt,
			"params":     string(params),
			"state":      model.StateNew,
			"current":    0,
			"total":      t.Params.TotalSteps(),
			"created":    s.stamp(t.CreatedAt),
			"created_ms": createdMs,
			"updated":    s.stamp(t.UpdatedAt),
		})
		pipe.ZAdd(ctx, s.newQueueKey(), &redis.Z{Score: float64(createdMs), Member: t.ID})
		if t.Owner != "" {
			pipe.ZAdd(ctx, s.ownerKey(t.Owner), &redis.Z{Score: float64(createdMs), Member: t.ID})
		}
		pipe.HIncrBy(ctx, s.countsKey(), model.StateNew, 1)
		return nil
	})
	if err != nil {
		return storageErr("insert task", err)
	}
	return nil
}

// ClaimNextTask pops the oldest new task and leases it to workerID.
func (s *RedisStore) ClaimNextTask(ctx context.Context, workerID string) (*model.Task, error) {
	now := s.opts.now()
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.newQueueKey(), s.leasedKey(), s.countsKey()},
		workerID, s.leaseArg(now), s.stamp(now), s.prefix,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim task", err)
	}
	return s.GetTask(ctx, id)
}

// ReportProgress records a step update and renews the lease.
func (s *RedisStore) ReportProgress(ctx context.Context, id, workerID string, current, total uint32) error {
	now := s.opts.now()
	outcome, err := progressScript.Run(ctx, s.client,
		[]string{s.taskKey(id), s.leasedKey()},
		workerID, current, total, s.leaseArg(now), s.stamp(now), id,
	).Text()
	if err != nil {
		return storageErr("update progress", err)
	}
	return s.checkOutcome(ctx, outcome, id, workerID, model.InProgress(current, total))
}

// ReportFinished stores the terminal result.
func (s *RedisStore) ReportFinished(ctx context.Context, id, workerID string, payload []byte) error {
	return s.reportTerminal(ctx, id, workerID, model.Finished(payload), "result", payload)
}

// ReportFailed stores a terminal failure.
func (s *RedisStore) ReportFailed(ctx context.Context, id, workerID, reason string) error {
	return s.reportTerminal(ctx, id, workerID, model.Failed(reason), "reason", reason)
}

func (s *RedisStore) reportTerminal(ctx context.Context, id, workerID string, want model.Status, field string, value interface{}) error {
	outcome, err := terminalScript.Run(ctx, s.client,
		[]string{s.taskKey(id), s.leasedKey(), s.countsKey()},
		workerID, want.State, field, value, s.stamp(s.opts.now()), id,
	).Text()
	if err != nil {
		return storageErr("report "+want.State, err)
	}
	return s.checkOutcome(ctx, outcome, id, workerID, want)
}

func (s *RedisStore) checkOutcome(ctx context.Context, outcome, id, workerID string, want model.Status) error {
	switch outcome {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return explainRejection(t, workerID, want)
}

// GetTask retrieves a task by ID.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	fields, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, storageErr("get task", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	t, err := taskFromHash(fields)
	if err != nil {
		return nil, storageErr("decode task", err)
	}
	return t, nil
}

// ListTasksForOwner returns all tasks submitted by owner, newest first.
func (s *RedisStore) ListTasksForOwner(ctx context.Context, owner string) ([]*model.Task, error) {
	ids, err := s.client.ZRevRange(ctx, s.ownerKey(owner), 0, -1).Result()
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.taskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list tasks", err)
	}

	tasks := make([]*model.Task, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := taskFromHash(fields)
		if err != nil {
			return nil, storageErr("decode task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ReclaimExpired returns tasks whose lease has run out to the new queue.
func (s *RedisStore) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	res, err := reclaimScript.Run(ctx, s.client,
		[]string{s.leasedKey(), s.newQueueKey(), s.countsKey()},
		now.UnixMilli(), s.prefix, s.stamp(now),
	).StringSlice()
	if err != nil {
		return nil, storageErr("reclaim tasks", err)
	}
	return res, nil
}

// CountTasks returns the number of tasks in the given state.
func (s *RedisStore) CountTasks(ctx context.Context, state string) (int, error) {
	n, err := s.client.HGet(ctx, s.countsKey(), state).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("count tasks", err)
	}
	return n, nil
}

// GetTaskStats returns task counts grouped by state.
func (s *RedisStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	counts, err := s.client.HGetAll(ctx, s.countsKey()).Result()
	if err != nil {
		return nil, storageErr("count by state", err)
	}

	stats := &TaskStats{CountByState: make(map[string]int)}
	for state, raw := range counts {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, storageErr("count by state", err)
		}
		if n == 0 {
			continue
		}
		stats.CountByState[state] = n
		stats.Total += n
	}
	return stats, nil
}

func taskFromHash(f map[string]string) (*model.Task, error) {
	t := &model.Task{
		ID:        f["id"],
		Owner:     f["owner"],
		Prompt:    f["prompt"],
		ClaimedBy: f["claimed_by"],
	}
	if err := json.Unmarshal([]byte(f["params"]), &t.Params); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}

	current, err := parseUint32(f["current"])
	if err != nil {
		return nil, fmt.Errorf("current: %w", err)
	}
	total, err := parseUint32(f["total"])
	if err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}
	var result []byte
	if r, ok := f["result"]; ok {
		result = []byte(r)
	}
	t.Status = statusFromColumns(f["state"], current, total, result, f["reason"])

	if raw := f["lease"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lease: %w", err)
		}
		at := time.UnixMilli(ms).UTC()
		t.LeaseExpiresAt = &at
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created"]); err != nil {
		return nil, fmt.Errorf("created: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, f["updated"]); err != nil {
		return nil, fmt.Errorf("updated: %w", err)
	}
	return t, nil
}

func parseUint32(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}
