package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
)

// WarmupState - универсальная функция для прогрева L1 (RAM) и L2 (Redis) кэшей.
// rdb == nil - инстанс без Redis, обновляется только L1.
func WarmupState[T any](
	ctx context.Context,
	rdb redis.Cmdable,
	logger *zap.Logger,
	items []T,
	idOf func(T) string,
	redisKey string,
	lockKey string,
	updateL1 func([]T), // Callback для обновления рабочего состояния
) error {
	// 1. Обновляем локальное состояние (L1) через callback
	updateL1(items)
	if rdb == nil {
		return nil
	}

	// 2. Распределенная блокировка (SetNX), чтобы только один инстанс обновлял Redis
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}

	// 3. Проверка наполненности Redis
	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	}

	// 4. Если Redis пуст, а данные в БД есть - заливаем
	if count == 0 && len(items) > 0 {
		logger.Info("Redis cache is empty, performing warm-up from DB...",
			zap.String("key", redisKey), zap.Int("count", len(items)))

		pipe := rdb.Pipeline()
		for _, it := range items {
			pipe.SAdd(ctx, redisKey, idOf(it))
		}
		_, err = pipe.Exec(ctx)
		return err
	}

	return nil
}

// SnapshotLoader - чтение снапшотов верифицированных агентов из durable store
type SnapshotLoader interface {
	LoadVerifiedAgents(ctx context.Context) ([]*domain.VerifiedAgent, error)
	LoadVerifiedAgent(ctx context.Context, agentID string) (*domain.VerifiedAgent, error)
}

// LocalAgents - рабочее состояние инстанса
type LocalAgents interface {
	GetVerifiedAgent(ctx context.Context, agentID string) (*domain.VerifiedAgent, error)
	PutVerifiedAgent(ctx context.Context, a *domain.VerifiedAgent) error
	DeleteVerifiedAgent(ctx context.Context, agentID string) error
	DeleteSpotChecksForAgent(ctx context.Context, agentID string) int
}

// StateLoader - незавершенная работа из durable store
type StateLoader interface {
	LoadActiveSessions(ctx context.Context) ([]*domain.VerificationSession, error)
	LoadSpotChecks(ctx context.Context) ([]*domain.SpotCheck, error)
}

// LocalQueue - куда регидратируются сессии и очередь спот-чеков
type LocalQueue interface {
	RestoreSession(ctx context.Context, sess *domain.VerificationSession) bool
	RestoreSpotCheck(ctx context.Context, sc *domain.SpotCheck)
}

// ClusterSync держит верифицированных агентов согласованными между инстансами:
// регидратация из Postgres на старте и реакция на сигналы других инстансов.
type ClusterSync struct {
	rdb    *redis.Client
	loader SnapshotLoader
	local  LocalAgents
	state  StateLoader
	queue  LocalQueue
	logger *zap.Logger
}

func NewClusterSync(rdb *redis.Client, loader SnapshotLoader, local LocalAgents, logger *zap.Logger) *ClusterSync {
	return &ClusterSync{
		rdb:    rdb,
		loader: loader,
		local:  local,
		logger: logger.With(zap.String("mod", "cluster-sync")),
	}
}

// WithState включает регидратацию активных сессий и очереди спот-чеков
func (s *ClusterSync) WithState(state StateLoader, queue LocalQueue) *ClusterSync {
	s.state, s.queue = state, queue
	return s
}

// Init загружает снапшоты и добавляет в память тех, кого там еще нет.
// Уже загруженные записи не перетираются: память свежее снапшота.
// Затем восстанавливаются незавершенные сессии и очередь спот-чеков.
func (s *ClusterSync) Init(ctx context.Context) error {
	if err := s.initAgents(ctx); err != nil {
		return err
	}
	return s.initState(ctx)
}

func (s *ClusterSync) initState(ctx context.Context) error {
	if s.state == nil || s.queue == nil {
		return nil
	}
	sessions, err := s.state.LoadActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch active sessions from DB: %w", err)
	}
	restored := 0
	for _, sess := range sessions {
		if s.queue.RestoreSession(ctx, sess) {
			restored++
		}
	}

	checks, err := s.state.LoadSpotChecks(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch spot checks from DB: %w", err)
	}
	for _, sc := range checks {
		s.queue.RestoreSpotCheck(ctx, sc)
	}
	s.logger.Info("pending work rehydrated",
		zap.Int("sessions_loaded", len(sessions)),
		zap.Int("sessions_restored", restored),
		zap.Int("spot_checks", len(checks)),
	)
	return nil
}

func (s *ClusterSync) initAgents(ctx context.Context) error {
	if s.loader == nil {
		return nil
	}
	agents, err := s.loader.LoadVerifiedAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch verified agents from DB: %w", err)
	}

	var rdb redis.Cmdable
	if s.rdb != nil {
		rdb = s.rdb
	}
	return WarmupState(ctx, rdb, s.logger, agents,
		func(a *domain.VerifiedAgent) string { return a.AgentID },
		infra.RedisKeyVerifiedAgents, infra.RedisKeyLockWarmupVerified,
		func(items []*domain.VerifiedAgent) {
			added := 0
			for _, a := range items {
				if s.adopt(ctx, a) {
					added++
				}
			}
			s.logger.Info("verified agents rehydrated", zap.Int("loaded", len(items)), zap.Int("added", added))
		},
	)
}

func (s *ClusterSync) adopt(ctx context.Context, a *domain.VerifiedAgent) bool {
	if _, err := s.local.GetVerifiedAgent(ctx, a.AgentID); !errors.Is(err, domain.ErrAgentNotVerified) {
		return false
	}
	if err := s.local.PutVerifiedAgent(ctx, a); err != nil {
		s.logger.Error("failed to adopt verified agent", zap.String("agent_id", a.AgentID), zap.Error(err))
		return false
	}
	return true
}

// HandleSignal применяет "agent_id:true|false" от любого инстанса, включая свой.
func (s *ClusterSync) HandleSignal(ctx context.Context, agentID string, verified bool) {
	if !verified {
		err := s.local.DeleteVerifiedAgent(ctx, agentID)
		if err == nil {
			s.logger.Info("verified agent evicted by remote revocation", zap.String("agent_id", agentID))
		}
		s.local.DeleteSpotChecksForAgent(ctx, agentID)
		return
	}

	if s.loader == nil {
		return
	}
	a, err := s.loader.LoadVerifiedAgent(ctx, agentID)
	if err != nil {
		s.logger.Warn("failed to load remotely verified agent", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	s.adopt(ctx, a)
}
