package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

// SignalPublisher рассылает изменения статуса агентов через Redis.
// Verified set держится в актуальном состоянии для быстрых проверок на стороне платформы.
type SignalPublisher struct {
	rdb    redis.Cmdable
	logger *zap.Logger
}

func NewSignalPublisher(rdb redis.Cmdable, logger *zap.Logger) *SignalPublisher {
	return &SignalPublisher{rdb: rdb, logger: logger.With(zap.String("mod", "signals"))}
}

// TierSignal - тело сообщения в канале смены тиров
type TierSignal struct {
	AgentID string           `json:"agent_id"`
	From    domain.TrustTier `json:"from"`
	To      domain.TrustTier `json:"to"`
	Reason  string           `json:"reason"`
	Days    int              `json:"consecutive_days"`
	At      time.Time        `json:"at"`
}

// RevocationSignal - тело сообщения в канале отзывов
type RevocationSignal struct {
	AgentID string    `json:"agent_id"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// PublishVerification обновляет verified set и шлет "agent_id:true|false".
func (p *SignalPublisher) PublishVerification(ctx context.Context, agentID string, verified bool) error {
	var err error
	if verified {
		err = p.rdb.SAdd(ctx, RedisKeyVerifiedAgents, agentID).Err()
	} else {
		err = p.rdb.SRem(ctx, RedisKeyVerifiedAgents, agentID).Err()
	}
	if err != nil {
		return fmt.Errorf("update verified set: %w", err)
	}

	payload := fmt.Sprintf("%s:%t", agentID, verified)
	if err := p.rdb.Publish(ctx, RedisChanVerification, payload).Err(); err != nil {
		return fmt.Errorf("publish verification signal: %w", err)
	}
	return nil
}

func (p *SignalPublisher) PublishTierChange(ctx context.Context, agentID string, change domain.TierChange) error {
	return p.publishJSON(ctx, RedisChanTierChange, TierSignal{
		AgentID: agentID,
		From:    change.From,
		To:      change.To,
		Reason:  change.Reason,
		Days:    change.Days,
		At:      change.At,
	})
}

// PublishRevocation снимает агента с verified set и отдельно сообщает причину.
func (p *SignalPublisher) PublishRevocation(ctx context.Context, agentID, reason string) error {
	if err := p.PublishVerification(ctx, agentID, false); err != nil {
		return err
	}
	return p.publishJSON(ctx, RedisChanRevocation, RevocationSignal{
		AgentID: agentID,
		Reason:  reason,
		At:      time.Now().UTC(),
	})
}

func (p *SignalPublisher) publishJSON(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	p.logger.Debug("signal published", zap.String("chan", channel))
	return nil
}
