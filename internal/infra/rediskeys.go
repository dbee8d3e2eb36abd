package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных верификатора в Redis
	RedisNamespace = "spaceai:verifier"
)

// Ключи для Sets (состояние)
const (
	RedisKeyVerifiedAgents     = RedisNamespace + ":agents:verified_set"
	RedisKeyLockWarmupVerified = RedisNamespace + ":lock:warmup:verified"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanVerification - "agent_id:true|false", слушают другие инстансы и сервисы платформы.
	RedisChanVerification = RedisNamespace + ":agents:verification-signal"
	RedisChanTierChange   = RedisNamespace + ":agents:tier-change"
	RedisChanRevocation   = RedisNamespace + ":agents:revocation"
)

// AgentLockKey - single-flight лок на обработку одного агента
func AgentLockKey(agentID string) string {
	return fmt.Sprintf("%s:lock:agent:%s", RedisNamespace, agentID)
}
