package seq

import (
	"context"
	"strconv"
	"time"

	"deskchat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// 段内原子发号：KEYS[1]=key; ARGV[1]=ttlMs
// 返回 -1 表示计数器不存在，需要先从存储回源下限
var luaNext = redis.NewScript(`
  local k = KEYS[1]
  if redis.call('EXISTS', k) == 0 then
    return -1
  end
  local n = redis.call('INCR', k)
  redis.call('PEXPIRE', k, tonumber(ARGV[1]))
  return n
`)

// 装载下限后发号：KEYS[1]=key; ARGV[1]=floor; ARGV[2]=ttlMs
var luaSeedNext = redis.NewScript(`
  local k = KEYS[1]
  local floor = tonumber(ARGV[1])
  local cur = tonumber(redis.call('GET', k) or '-1')
  if cur < floor then
    redis.call('SET', k, floor)
  end
  local n = redis.call('INCR', k)
  redis.call('PEXPIRE', k, tonumber(ARGV[2]))
  return n
`)

// 纠偏：抬高计数器下限（存储领先于 Redis 时）
var luaRaiseFloor = redis.NewScript(`
  local k = KEYS[1]
  local floor = tonumber(ARGV[1])
  local cur = tonumber(redis.call('GET', k) or '-1')
  if cur < floor then
    redis.call('SET', k, floor, 'PX', tonumber(ARGV[2]))
  end
  return 1
`)

// RedisAllocator keeps one INCR counter per room, seeded from the store's max seq.
// Safe across nodes; the store's unique (room, seq) constraint catches a lost key.
type RedisAllocator struct {
	Rdb   redis.Scripter
	Floor MaxSeqReader
	KeyFn func(roomID int64) string
	TTL   time.Duration
}

func defaultKey(roomID int64) string { return "seq:room:" + strconv.FormatInt(roomID, 10) }

func NewRedisAllocator(rdb redis.Scripter, floor MaxSeqReader) *RedisAllocator {
	a := &RedisAllocator{Rdb: rdb, Floor: floor}
	a.ensure()
	return a
}

func (a *RedisAllocator) ensure() {
	if a.KeyFn == nil {
		a.KeyFn = defaultKey
	}
	if a.TTL <= 0 {
		a.TTL = 24 * time.Hour
	}
}

func (a *RedisAllocator) Next(ctx context.Context, roomID int64) (int64, error) {
	a.ensure()
	key := a.KeyFn(roomID)
	ttl := a.TTL.Milliseconds()

	n, err := luaNext.Run(ctx, a.Rdb, []string{key}, ttl).Int64()
	if err != nil {
		return 0, errs.WrapMsg(err, "redis seq next", "roomId", roomID)
	}
	if n >= 0 {
		return n, nil
	}

	// 回源存储取下限
	floor, err := a.Floor.MaxSeq(ctx, roomID)
	if err != nil {
		return 0, errs.WrapMsg(err, "load seq floor", "roomId", roomID)
	}
	n, err = luaSeedNext.Run(ctx, a.Rdb, []string{key}, floor, ttl).Int64()
	if err != nil {
		return 0, errs.WrapMsg(err, "redis seq seed", "roomId", roomID)
	}
	return n, nil
}

func (a *RedisAllocator) Resync(ctx context.Context, roomID int64, floor int64) error {
	a.ensure()
	err := luaRaiseFloor.Run(ctx, a.Rdb, []string{a.KeyFn(roomID)}, floor, a.TTL.Milliseconds()).Err()
	return errs.WrapMsg(err, "redis seq resync", "roomId", roomID)
}
