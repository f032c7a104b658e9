package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

// RedisQueue keeps units durable across worker restarts.
//
// Layout under Prefix:
//
//	units               hash      unit id -> JSON body
//	ready               zset      unit id scored by visibility (unix ms)
//	inflight            zset      unit id scored by claim time (unix ms)
//	campaign:{id}       set       every outstanding unit of the campaign
//	parked:{id}         zset      held units, all scored 0 so member order is index order
//
// A claim older than VisibilityTimeout is handed out again, so delivery is at-least-once.
type RedisQueue struct {
	rc                *redis.Client
	prefix            string
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	now               func() time.Time
}

type RedisOptions struct {
	Prefix            string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

func NewRedisQueue(rc *redis.Client, opts RedisOptions) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "dispatch"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	return &RedisQueue{
		rc:                rc,
		prefix:            opts.Prefix,
		pollInterval:      opts.PollInterval,
		visibilityTimeout: opts.VisibilityTimeout,
		now:               time.Now,
	}
}

func (q *RedisQueue) unitsKey() string    { return q.prefix + ":units" }
func (q *RedisQueue) readyKey() string    { return q.prefix + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.prefix + ":inflight" }
func (q *RedisQueue) membersKey(id uuid.UUID) string {
	return q.prefix + ":campaign:" + id.String()
}
func (q *RedisQueue) parkedKey(id uuid.UUID) string {
	return q.prefix + ":parked:" + id.String()
}

var luaClaim = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', tonumber(ARGV[1]) - tonumber(ARGV[2]))
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local body = redis.call('HGET', KEYS[3], id)
if not body then return false end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return body
`)

var luaAck = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
return 1
`)

var luaHold = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[2])
local n = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('ZADD', KEYS[3], 0, id)
    n = n + 1
  end
end
return n
`)

var luaRelease = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for i, id in ipairs(ids) do
  redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + (i - 1) * tonumber(ARGV[2]), id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

var luaCancel = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[4])
local n = 0
for _, id in ipairs(ids) do
  if not redis.call('ZSCORE', KEYS[2], id) then
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZREM', KEYS[5], id)
    redis.call('HDEL', KEYS[3], id)
    redis.call('SREM', KEYS[4], id)
    n = n + 1
  end
end
return n
`)

// Enqueue writes the whole batch in one MULTI so a campaign is never half enqueued.
func (q *RedisQueue) Enqueue(ctx context.Context, units []model.DispatchUnit, opts EnqueueOptions) error {
	if len(units) == 0 {
		return nil
	}
	batch := append([]model.DispatchUnit(nil), units...)
	schedule(batch, q.now(), opts)

	_, err := q.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range batch {
			body, err := json.Marshal(u)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, q.unitsKey(), u.ID, body)
			pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(u.VisibleAt.UnixMilli()), Member: u.ID})
			pipe.SAdd(ctx, q.membersKey(u.CampaignID), u.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %d units: %w", len(batch), err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*model.DispatchUnit, error) {
	for {
		u, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if u != nil {
			return u, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*model.DispatchUnit, error) {
	keys := []string{q.readyKey(), q.inflightKey(), q.unitsKey()}
	body, err := luaClaim.Run(ctx, q.rc, keys, q.now().UnixMilli(), q.visibilityTimeout.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim unit: %w", err)
	}
	var u model.DispatchUnit
	if err := json.Unmarshal([]byte(body), &u); err != nil {
		return nil, fmt.Errorf("decode unit: %w", err)
	}
	return &u, nil
}

func (q *RedisQueue) Ack(ctx context.Context, unit *model.DispatchUnit) error {
	keys := []string{q.readyKey(), q.inflightKey(), q.unitsKey(), q.membersKey(unit.CampaignID)}
	return luaAck.Run(ctx, q.rc, keys, unit.ID).Err()
}

func (q *RedisQueue) Retry(ctx context.Context, unit *model.DispatchUnit, delay time.Duration) error {
	u := *unit
	u.VisibleAt = q.now().Add(delay)
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = q.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.unitsKey(), u.ID, body)
		pipe.ZRem(ctx, q.inflightKey(), u.ID)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(u.VisibleAt.UnixMilli()), Member: u.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Park(ctx context.Context, unit *model.DispatchUnit) error {
	body, err := json.Marshal(unit)
	if err != nil {
		return err
	}
	_, err = q.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.unitsKey(), unit.ID, body)
		pipe.ZRem(ctx, q.inflightKey(), unit.ID)
		pipe.ZAdd(ctx, q.parkedKey(unit.CampaignID), redis.Z{Score: 0, Member: unit.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Hold(ctx context.Context, campaignID uuid.UUID) (int, error) {
	keys := []string{q.readyKey(), q.membersKey(campaignID), q.parkedKey(campaignID)}
	n, err := luaHold.Run(ctx, q.rc, keys).Int()
	return n, err
}

func (q *RedisQueue) Release(ctx context.Context, campaignID uuid.UUID, perItemDelay time.Duration) (int, error) {
	keys := []string{q.parkedKey(campaignID), q.readyKey()}
	n, err := luaRelease.Run(ctx, q.rc, keys, q.now().UnixMilli(), perItemDelay.Milliseconds()).Int()
	return n, err
}

func (q *RedisQueue) CancelAll(ctx context.Context, campaignID uuid.UUID) (int, error) {
	keys := []string{q.readyKey(), q.inflightKey(), q.unitsKey(), q.membersKey(campaignID), q.parkedKey(campaignID)}
	n, err := luaCancel.Run(ctx, q.rc, keys).Int()
	return n, err
}

func (q *RedisQueue) Outstanding(ctx context.Context, campaignID uuid.UUID) (int, error) {
	n, err := q.rc.SCard(ctx, q.membersKey(campaignID)).Result()
	return int(n), err
}

var _ DispatchQueue = (*RedisQueue)(nil)
