package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Снимаем лок только если он все еще наш (TTL мог истечь и лок взял другой инстанс)
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// AgentLocker - распределенный single-flight по агенту: SETNX с TTL.
type AgentLocker struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewAgentLocker(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *AgentLocker {
	return &AgentLocker{rdb: rdb, ttl: ttl, logger: logger.With(zap.String("mod", "locker"))}
}

// TryLock не ждет: если агента уже обрабатывает другой инстанс, ok=false.
func (l *AgentLocker) TryLock(ctx context.Context, agentID string) (func(), bool, error) {
	key := AgentLockKey(agentID)
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire agent lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Контекст вызова мог уже отмениться, снимаем лок отдельным коротким
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.rdb.Eval(rctx, releaseScript, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release agent lock", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return release, true, nil
}
