package runlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "fwdbot/pkg/logx"
)

const redisPollEvery = 200 * time.Millisecond

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a lease-based lock shared by every instance pointing at the same
// server. The lease is refreshed at TTL/3 while held so long runs keep it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    logx.Logger
}

func NewRedis(cfg Config, log logx.Logger) (*Redis, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("lock.redis_addr is required for redis driver")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fwdbot:runlock:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB, Password: cfg.Password})
	return &Redis{client: client, ttl: ttl, prefix: prefix, log: log}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	t := time.NewTicker(redisPollEvery)
	defer t.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	rctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.refresh(rctx, k, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			wg.Wait()
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(cctx, r.client, []string{k}, token).Err(); err != nil {
				r.log.Warn("lock release failed", logx.String("key", k), logx.Err(err))
			}
		})
	}, nil
}

func (r *Redis) refresh(ctx context.Context, key, token string) {
	t := time.NewTicker(r.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := refreshScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("lock refresh failed", logx.String("key", key), logx.Err(err))
				continue
			}
			if err == nil && n == 0 {
				r.log.Warn("lock lease lost", logx.String("key", key))
				return
			}
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }
