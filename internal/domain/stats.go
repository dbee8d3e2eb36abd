package domain

// GlobalStats - сводка рабочего состояния инстанса для admin API
type GlobalStats struct {
	ActiveSessions    int               `json:"active_sessions"`
	VerifiedAgents    int               `json:"verified_agents"`
	AgentsByTier      map[TrustTier]int `json:"agents_by_tier"`
	PendingSpotChecks int               `json:"pending_spot_checks"`
}
