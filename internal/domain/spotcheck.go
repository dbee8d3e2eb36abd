package domain

import (
	"errors"
	"time"
)

var ErrSpotCheckNotFound = errors.New("spot check not found")

// SpotCheck - одноразовая проверка уже верифицированного агента.
// После оценки удаляется, история остается в VerifiedAgent.SpotCheckHistory.
type SpotCheck struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"agent_id"`
	Challenge    *Challenge `json:"challenge"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Passed       bool       `json:"passed"`
	Skipped      bool       `json:"skipped"`
}
