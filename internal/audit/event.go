package audit

import "time"

// Kind - тип события журнала верификации
type Kind string

const (
	KindSessionStarted    Kind = "session_started"
	KindChallengeResponse Kind = "challenge_response"
	KindSessionFinalized  Kind = "session_finalized"
	KindModelDetection    Kind = "model_detection"
	KindTierChange        Kind = "tier_change"
	KindSpotCheck         Kind = "spot_check"
	KindRevocation        Kind = "revocation"
)

// Event - append-only запись durable store
type Event struct {
	ID          string         `json:"id"`           // UUID события
	Kind        Kind           `json:"kind"`         // Что произошло
	AgentID     string         `json:"agent_id"`     // С кем
	SessionID   string         `json:"session_id"`   // В рамках какой сессии (пусто для спот-чеков)
	ChallengeID string         `json:"challenge_id"` // Какой челлендж
	Payload     map[string]any `json:"payload"`      // Детали (ответ, извлеченные поля, статистика)

	// Результат
	Status     string    `json:"status"` // passed / failed / skipped / revoked ...
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error"`
}
