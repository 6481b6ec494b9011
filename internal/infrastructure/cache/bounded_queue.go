package cache

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// Config 队列参数
type Config struct {
	MaxLength          int
	ExpireMinutes      int
	CleanupProbability float64
}

// BoundedQueue 基于 Redis sorted set 的按键有界队列。
// append + 概率裁剪 + TTL 刷新在一个 Lua 脚本内完成，消除 TOCTOU 竞争；
// 概率裁剪只是性能优化，max_length 的正确性由 TrimExcess 兜底。
type BoundedQueue struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *zap.Logger
	randFn func() float64 // 可注入，测试用
}

// appendScript: ZADD + 条件裁剪 + PEXPIRE，单脚本原子执行
// KEYS[1]=key ARGV: 1=score 2=member 3=doTrim(0|1) 4=maxLength 5=ttlMillis
var appendScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local removed = 0
if ARGV[3] == '1' then
  local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[4])
  if excess > 0 then
    removed = redis.call('ZREMRANGEBYRANK', KEYS[1], 0, excess - 1)
  end
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return removed
`)

// trimScript: 强制裁剪到 maxLength
var trimScript = redis.NewScript(`
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[1])
if excess <= 0 then
  return 0
end
return redis.call('ZREMRANGEBYRANK', KEYS[1], 0, excess - 1)
`)

// NewBoundedQueue 创建有界队列
func NewBoundedQueue(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *BoundedQueue {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 100
	}
	if cfg.ExpireMinutes <= 0 {
		cfg.ExpireMinutes = 60
	}
	return &BoundedQueue{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "bounded-queue")),
		randFn: rand.Float64,
	}
}

// 编译期接口检查
var _ repository.QueueCache = (*BoundedQueue)(nil)

// Append 原子追加。score 传 0 取当前毫秒时间戳。
func (q *BoundedQueue) Append(ctx context.Context, key string, payload any, score int64) error {
	member, err := encodeMember(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidParameter, "encode queue payload", err)
	}

	if score == 0 {
		score = time.Now().UnixMilli()
	}

	doTrim := "0"
	if q.randFn() < q.cfg.CleanupProbability {
		doTrim = "1"
	}
	ttlMillis := int64(q.cfg.ExpireMinutes) * 60 * 1000

	removed, err := appendScript.Run(ctx, q.rdb, []string{key},
		score, member, doTrim, q.cfg.MaxLength, ttlMillis).Int64()
	if err != nil {
		return apperrors.NewBufferUnavailable("queue append failed", err)
	}

	if removed > 0 {
		q.logger.Debug("Queue trimmed on append",
			zap.String("key", key),
			zap.Int64("removed", removed),
		)
	}
	return nil
}

// Size 返回队列长度，键不存在返回 0
func (q *BoundedQueue) Size(ctx context.Context, key string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, apperrors.NewBufferUnavailable("queue size failed", err)
	}
	return n, nil
}

// Clear 删除整个队列
func (q *BoundedQueue) Clear(ctx context.Context, key string) error {
	if err := q.rdb.Del(ctx, key).Err(); err != nil {
		return apperrors.NewBufferUnavailable("queue clear failed", err)
	}
	return nil
}

// TrimExcess 强制裁剪到 max_length，返回移除条数
func (q *BoundedQueue) TrimExcess(ctx context.Context, key string) (int64, error) {
	removed, err := trimScript.Run(ctx, q.rdb, []string{key}, q.cfg.MaxLength).Int64()
	if err != nil {
		return 0, apperrors.NewBufferUnavailable("queue trim failed", err)
	}
	return removed, nil
}

// RangeByTimestamp 按 score 降序返回 [start, end] 内条目。
// start/end 传 0 表示该端无界；limit ≤ 0 不限。
// 解码失败的条目记日志后跳过，不中断扫描。
func (q *BoundedQueue) RangeByTimestamp(ctx context.Context, key string, start, end int64, limit int) ([]repository.QueueItem, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if start != 0 {
		rangeBy.Min = formatScore(start)
	}
	if end != 0 {
		rangeBy.Max = formatScore(end)
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	zs, err := q.rdb.ZRevRangeByScoreWithScores(ctx, key, rangeBy).Result()
	if err != nil {
		return nil, apperrors.NewBufferUnavailable("queue range failed", err)
	}

	items := make([]repository.QueueItem, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		decoded, err := decodeMember(member)
		if err != nil {
			q.logger.Warn("Skipping malformed queue entry",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		items = append(items, repository.QueueItem{
			ID:     decoded.id,
			Score:  int64(z.Score),
			Member: member,
			Decode: decoded.decodeInto,
		})
	}
	return items, nil
}

// Remove 按成员精确删除
func (q *BoundedQueue) Remove(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := q.rdb.ZRem(ctx, key, args...).Result()
	if err != nil {
		return 0, apperrors.NewBufferUnavailable("queue remove failed", err)
	}
	return n, nil
}

// Stats 返回队列统计
func (q *BoundedQueue) Stats(ctx context.Context, key string) (*repository.QueueStats, error) {
	total, err := q.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, apperrors.NewBufferUnavailable("queue stats failed", err)
	}

	stats := &repository.QueueStats{
		TotalCount: total,
		MaxLength:  q.cfg.MaxLength,
		IsFull:     total >= int64(q.cfg.MaxLength),
	}
	if total == 0 {
		return stats, nil
	}

	oldest, err := q.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		stats.OldestScore = int64(oldest[0].Score)
	}
	newest, err := q.rdb.ZRangeWithScores(ctx, key, -1, -1).Result()
	if err == nil && len(newest) > 0 {
		stats.NewestScore = int64(newest[0].Score)
	}
	if ttl, err := q.rdb.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		stats.TTLRemaining = ttl
	}
	return stats, nil
}

func formatScore(score int64) string {
	// ZRANGEBYSCORE 的闭区间写法就是裸数字
	return strconv.FormatInt(score, 10)
}
