package domain

import (
	"errors"
	"time"
)

// SessionStatus - State Machine сессии верификации
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionPassed     SessionStatus = "passed"
	SessionFailed     SessionStatus = "failed"
)

// SessionMode - режим прохождения. Accelerated задается явно, а не выводится из длительности.
type SessionMode string

const (
	ModeScheduled   SessionMode = "scheduled"
	ModeAccelerated SessionMode = "accelerated"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSessionNotFound   = errors.New("verification session not found")
	ErrSessionActive     = errors.New("agent already has an active verification session")
	ErrSessionTerminal   = errors.New("verification session already finalized")
)

// DailyChallenge - просто корзина челленджей одного календарного дня окна.
type DailyChallenge struct {
	Day        int          `json:"day"`  // 0..D-1
	Date       time.Time    `json:"date"` // Начало дня (UTC)
	Challenges []*Challenge `json:"challenges"`
}

// VerificationSession - одна попытка верификации одного агента.
type VerificationSession struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agent_id"`
	WebhookURL    string            `json:"webhook_url"`
	ClaimedModel  string            `json:"claimed_model,omitempty"`
	Mode          SessionMode       `json:"mode"`
	Status        SessionStatus     `json:"status"`
	Days          []DailyChallenge  `json:"days"`
	StartedAt     time.Time         `json:"started_at"`
	EndsAt        time.Time         `json:"ends_at"` // Конец окна верификации
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Analysis      *AutonomyAnalysis `json:"analysis,omitempty"`

	// Version растет на каждом атомарном обновлении; по нему инстансы
	// отличают свежую durable копию от своей
	Version int64 `json:"version"`
}

// CanTransitionTo проверяет правила конечного автомата: pending -> in_progress -> {passed|failed}.
func (s *VerificationSession) CanTransitionTo(next SessionStatus) error {
	switch s.Status {
	case SessionPending:
		if next == SessionInProgress || next == SessionPassed || next == SessionFailed {
			return nil
		}
	case SessionInProgress:
		if next == SessionPassed || next == SessionFailed {
			return nil
		}
	case SessionPassed, SessionFailed:
		return ErrSessionTerminal
	}
	return ErrInvalidTransition
}

// IsTerminal - сессия финализирована
func (s *VerificationSession) IsTerminal() bool {
	return s.Status == SessionPassed || s.Status == SessionFailed
}

// Accelerated - тестовый режим: per-day и autonomy гейты не применяются
func (s *VerificationSession) Accelerated() bool {
	return s.Mode == ModeAccelerated
}

// AllChallenges возвращает челленджи всех дней в порядке расписания.
func (s *VerificationSession) AllChallenges() []*Challenge {
	var all []*Challenge
	for _, d := range s.Days {
		all = append(all, d.Challenges...)
	}
	return all
}

// AllTerminal - все челленджи классифицированы
func (s *VerificationSession) AllTerminal() bool {
	for _, c := range s.AllChallenges() {
		if !c.IsTerminal() {
			return false
		}
	}
	return true
}

// SessionStats - агрегаты по челленджам сессии
type SessionStats struct {
	Total     int `json:"total"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	Attempted int `json:"attempted"`
}

func (s *VerificationSession) Stats() SessionStats {
	var st SessionStats
	for _, c := range s.AllChallenges() {
		st.Total++
		switch c.Status {
		case ChallengePassed:
			st.Passed++
		case ChallengeFailed:
			st.Failed++
		case ChallengeSkipped:
			st.Skipped++
		default:
			st.Pending++
		}
	}
	st.Attempted = st.Passed + st.Failed
	return st
}

// Verdict - вердикт анализатора автономности
type Verdict string

const (
	VerdictAutonomous          Verdict = "autonomous"
	VerdictSuspicious          Verdict = "suspicious"
	VerdictLikelyHumanDirected Verdict = "likely_human_directed"
)

// AutonomySignal - один из четырех независимых сигналов (0..100)
type AutonomySignal struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail"`
}

// AutonomyAnalysis - производный результат, пересчитывается при финализации.
type AutonomyAnalysis struct {
	Score   float64          `json:"score"`
	Verdict Verdict          `json:"verdict"`
	Signals []AutonomySignal `json:"signals"`
	Reasons []string         `json:"reasons,omitempty"`
}

// Clone возвращает глубокую копию сессии вместе с челленджами.
func (s *VerificationSession) Clone() *VerificationSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Days = make([]DailyChallenge, len(s.Days))
	for i, d := range s.Days {
		cp.Days[i] = DailyChallenge{Day: d.Day, Date: d.Date, Challenges: make([]*Challenge, len(d.Challenges))}
		for j, c := range d.Challenges {
			cp.Days[i].Challenges[j] = c.Clone()
		}
	}
	if s.Analysis != nil {
		a := *s.Analysis
		a.Signals = append([]AutonomySignal(nil), s.Analysis.Signals...)
		a.Reasons = append([]string(nil), s.Analysis.Reasons...)
		cp.Analysis = &a
	}
	return &cp
}
