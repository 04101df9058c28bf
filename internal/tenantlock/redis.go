package tenantlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyTenantLock = "creditledger:tenant:lock:%s"

	defaultRetryInterval = 25 * time.Millisecond
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis holds tenant locks as SET NX PX keys so several processes share them.
// The TTL bounds how long a crashed holder can block a tenant.
type Redis struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
	retry  time.Duration
	log    *zap.Logger
}

func NewRedis(client *redis.Client, ttl, retry time.Duration, log *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, ErrNotConfigured
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		ttl:    ttl,
		retry:  retry,
		log:    log,
	}, nil
}

func (l *Redis) Lock(ctx context.Context, tenantID snowflake.ID) (func(), error) {
	if tenantID == 0 {
		return nil, ErrInvalidTenant
	}

	key := fmt.Sprintf(keyTenantLock, tenantID.String())
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire tenant lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Release must outlive a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := l.script.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.log.Warn("failed to release tenant lock",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
		}
	}, nil
}
