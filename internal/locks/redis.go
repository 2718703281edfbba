package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRetryInterval = 50 * time.Millisecond
	releaseTimeout       = 2 * time.Second
)

// releaseScript deletes the key only when it still carries our token, so an
// expired lock re-acquired by another holder is never released by us.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// renewScript extends the TTL only while the key still carries our token.
const renewScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`

var errMissingRedisClient = errors.New("locks: redis client required")

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	Client        redis.Cmdable
	Prefix        string
	TTL           time.Duration
	// RenewInterval is how often a held key has its TTL extended. Defaults
	// to a third of TTL.
	RenewInterval time.Duration
	RetryInterval time.Duration
	TokenSource   func() (string, error)
	Logger        *zap.Logger
}

// RedisLocker holds keys with SET NX PX so that several API instances sharing
// one database also share table and sweep locks. A held key is renewed until
// it is released, so long sweeps keep their lock.
type RedisLocker struct {
	client        redis.Cmdable
	prefix        string
	ttl           time.Duration
	renewInterval time.Duration
	retryInterval time.Duration
	tokenSource   func() (string, error)
	logger        *zap.Logger
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	renew := cfg.RenewInterval
	if renew <= 0 || renew >= ttl {
		renew = ttl / 3
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	tokens := cfg.TokenSource
	if tokens == nil {
		tokens = newLockToken
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:        cfg.Client,
		prefix:        cfg.Prefix,
		ttl:           ttl,
		renewInterval: renew,
		retryInterval: retry,
		tokenSource:   tokens,
		logger:        logger,
	}, nil
}

// Acquire implements Locker by polling SET NX until it succeeds or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	token, err := l.tokenSource()
	if err != nil {
		return nil, err
	}
	redisKey := l.prefix + key
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire implements Locker with a single SET NX attempt.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Release, error) {
	token, err := l.tokenSource()
	if err != nil {
		return nil, err
	}
	redisKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return l.releaser(redisKey, token), nil
}

func (l *RedisLocker) releaser(redisKey, token string) Release {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("lock release failed", zap.String("key", redisKey), zap.Error(err))
			}
		})
	}
}

// keepAlive extends the key's TTL until stop is closed or the key is found
// to belong to someone else.
func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		renewed, err := l.renew(redisKey, token)
		if err != nil {
			l.logger.Warn("lock renewal failed", zap.String("key", redisKey), zap.Error(err))
			continue
		}
		if !renewed {
			l.logger.Warn("lock lost before release", zap.String("key", redisKey))
			return
		}
	}
}

func (l *RedisLocker) renew(redisKey, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	renewed, err := l.client.Eval(ctx, renewScript, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

func newLockToken() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
