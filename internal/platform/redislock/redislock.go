package redislock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/platform/envutil"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

func ConfigFromEnv(base Config) Config {
	return Config{
		Addr:     envutil.String("REDIS_ADDR", base.Addr),
		Password: envutil.String("REDIS_PASSWORD", base.Password),
		DB:       envutil.Int("REDIS_DB", base.DB),
		TTL:      envutil.Duration("REDIS_LOCK_TTL", base.TTL),
		Prefix:   envutil.String("REDIS_LOCK_PREFIX", base.Prefix),
	}
}

// Locker holds cross-process run locks in redis. Each lock is a key with a random token and a
// TTL that a background goroutine keeps extending until release.
type Locker struct {
	log    *logger.Logger
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

var (
	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// New connects to redis. It returns nil, nil when cfg.Addr is empty.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Locker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Locker{
		log:    log.With("service", "RedisRunLock"),
		rdb:    rdb,
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
	}, nil
}

// Acquire takes key or fails with ingest.ErrRunCollision. The returned release func stops the
// keepalive and deletes the key if this holder still owns it.
func (l *Locker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	full := l.prefix + key
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", full, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis lock %s already held: %w", full, ingest.ErrRunCollision)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(l.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ectx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				n, err := extendScript.Run(ectx, l.rdb, []string{full}, token, l.ttl.Milliseconds()).Int64()
				cancel()
				if err != nil {
					l.log.Warn("redis lock keepalive failed", "key", full, "error", err)
				} else if n == 0 {
					l.log.Error("redis lock lost", "key", full)
					return
				}
			}
		}
	}()

	var once sync.Once
	release := func(ctx context.Context) error {
		var rerr error
		once.Do(func() {
			close(stop)
			wg.Wait()
			rerr = releaseScript.Run(ctx, l.rdb, []string{full}, token).Err()
		})
		return rerr
	}
	l.log.Debug("redis lock acquired", "key", full, "ttl", l.ttl)
	return release, nil
}

func (l *Locker) Close() error {
	if l == nil || l.rdb == nil {
		return nil
	}
	return l.rdb.Close()
}
