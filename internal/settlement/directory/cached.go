package directory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CachedDirectory redis 缓存 + singleflight 合并回源；未注册的结果不缓存，注册后立刻生效
type CachedDirectory struct {
	next   domain.Directory
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	sf     singleflight.Group
}

var _ domain.Directory = (*CachedDirectory)(nil)

func NewCachedDirectory(next domain.Directory, rdb *redis.Client, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl, prefix: "settlement:dir:"}
}

func (d *CachedDirectory) ResolvePayer(ctx context.Context, agent string) (string, error) {
	var ref string
	err := d.resolve(ctx, "agent:"+agent, &ref, func(ctx context.Context) (interface{}, error) {
		return d.next.ResolvePayer(ctx, agent)
	})
	return ref, err
}

func (d *CachedDirectory) ResolvePayee(ctx context.Context, meter string) (domain.Payee, error) {
	var p domain.Payee
	err := d.resolve(ctx, "meter:"+meter, &p, func(ctx context.Context) (interface{}, error) {
		return d.next.ResolvePayee(ctx, meter)
	})
	return p, err
}

func (d *CachedDirectory) resolve(ctx context.Context, key string, out interface{}, load func(context.Context) (interface{}, error)) error {
	full := d.prefix + key
	b, err := d.rdb.Get(ctx, full).Bytes()
	switch {
	case err == nil:
		if jerr := json.Unmarshal(b, out); jerr == nil {
			return nil
		}
		// 缓存脏了就删掉
		_ = d.rdb.Del(ctx, full).Err()
	case errors.Is(err, redis.Nil):
	default:
		// redis 挂了直接回源，不影响入账
		logger.Warn(ctx, "directory cache get failed", zap.String("key", full), zap.Error(err))
	}

	v, err, _ := d.sf.Do(full, func() (interface{}, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode directory entry: %w", err)
		}
		if err := d.rdb.Set(ctx, full, raw, withJitter(d.ttl, d.ttl/10)).Err(); err != nil {
			logger.Warn(ctx, "directory cache set failed", zap.String("key", full), zap.Error(err))
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), out)
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(jitter)))
}
