package xredis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有者才能续期 / 释放
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Leader 多实例下选主：抢到的实例才跑定时任务，挂掉后锁按 ttl 自动过期
type Leader struct {
	rdb *redis.Client
	key string
	id  string
	ttl time.Duration
}

func NewLeader(rdb *redis.Client, key string, ttl time.Duration) *Leader {
	return &Leader{rdb: rdb, key: key, id: uuid.NewString(), ttl: ttl}
}

func (l *Leader) ID() string { return l.id }

// TryAcquire 抢锁或续期；redis 出错按“不是主”处理
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release 主动让出（优雅退出时调用）
func (l *Leader) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Err()
}
