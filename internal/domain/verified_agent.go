package domain

import (
	"errors"
	"time"
)

// TrustTier - бейдж доверия. Autonomous3 перманентный.
type TrustTier string

const (
	TierSpawn       TrustTier = "spawn"
	TierAutonomous1 TrustTier = "autonomous-1"
	TierAutonomous2 TrustTier = "autonomous-2"
	TierAutonomous3 TrustTier = "autonomous-3"
)

var ErrAgentNotVerified = errors.New("agent is not verified")

// Rank - порядковый номер тира для сравнения
func (t TrustTier) Rank() int {
	switch t {
	case TierAutonomous1:
		return 1
	case TierAutonomous2:
		return 2
	case TierAutonomous3:
		return 3
	default:
		return 0
	}
}

// IsPermanent - тир, который не понижается даже при сбросе серии
func (t TrustTier) IsPermanent() bool {
	return t == TierAutonomous3
}

// TierChange - запись append-only журнала смены тиров
type TierChange struct {
	From   TrustTier `json:"from"`
	To     TrustTier `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Days   int       `json:"consecutive_days"`
}

// SpotCheckResult - исход одного не-skipped спот-чека
type SpotCheckResult struct {
	At     time.Time `json:"at"`
	Passed bool      `json:"passed"`
}

// VerifiedAgent - запись об агенте, прошедшем верификацию.
// Мутируется только через атомарный read-modify-write хранилища.
type VerifiedAgent struct {
	AgentID               string            `json:"agent_id"`
	VerifiedAt            time.Time         `json:"verified_at"`
	WebhookURL            string            `json:"webhook_url"`
	TrustTier             TrustTier         `json:"trust_tier"`
	ConsecutiveDaysOnline int               `json:"consecutive_days_online"`
	CurrentDaySkips       int               `json:"current_day_skips"`
	CurrentDayStart       time.Time         `json:"current_day_start"`
	TierHistory           []TierChange      `json:"tier_history"`
	SpotCheckHistory      []SpotCheckResult `json:"spot_check_history"`
}

// Clone возвращает глубокую копию, чтобы наружу не утекали ссылки на кэш
func (a *VerifiedAgent) Clone() *VerifiedAgent {
	if a == nil {
		return nil
	}
	c := *a
	c.TierHistory = append([]TierChange(nil), a.TierHistory...)
	c.SpotCheckHistory = append([]SpotCheckResult(nil), a.SpotCheckHistory...)
	return &c
}

// SpotCheckWindowStats - статистика спот-чеков в скользящем окне
type SpotCheckWindowStats struct {
	Checks      int     `json:"checks"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failure_rate"`
}

// WindowStats считает только историю не старше since.
func (a *VerifiedAgent) WindowStats(since time.Time) SpotCheckWindowStats {
	var st SpotCheckWindowStats
	for _, r := range a.SpotCheckHistory {
		if r.At.Before(since) {
			continue
		}
		st.Checks++
		if !r.Passed {
			st.Failures++
		}
	}
	if st.Checks > 0 {
		st.FailureRate = float64(st.Failures) / float64(st.Checks)
	}
	return st
}
