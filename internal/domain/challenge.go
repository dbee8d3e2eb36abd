package domain

import (
	"errors"
	"time"
)

// ChallengeStatus - состояние отдельного челленджа. Терминальное после выхода из pending.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengePassed  ChallengeStatus = "passed"
	ChallengeFailed  ChallengeStatus = "failed"
	ChallengeSkipped ChallengeStatus = "skipped" // Агент offline, не считается в pass rate
)

// Категории таксономии челленджей
const (
	CategoryReasoning            = "reasoning"
	CategoryKnowledge            = "knowledge"
	CategoryConsistency          = "consistency"
	CategoryModelFingerprint     = "model_fingerprint"
	CategoryHallucination        = "hallucination"
	CategorySafety               = "safety"
	CategoryInstructionFollowing = "instruction_following"
	CategoryCreativity           = "creativity"
)

// Форматы ожидаемого ответа
const (
	FormatFreeText  = "free_text"
	FormatJSON      = "json"
	FormatList      = "list"
	FormatShortText = "short_text"
)

// DataValue - насколько ценны собранные ответы для дальнейшего анализа
type DataValue string

const (
	DataValueLow    DataValue = "low"
	DataValueMedium DataValue = "medium"
	DataValueHigh   DataValue = "high"
)

var ErrChallengeResolved = errors.New("challenge already resolved")

// ChallengeTemplate - неизменяемое описание шаблона из пула. Никогда не мутирует.
type ChallengeTemplate struct {
	ID               string              `json:"id"`
	Category         string              `json:"category"`
	Subcategory      string              `json:"subcategory"`
	PromptPattern    string              `json:"prompt_pattern"` // "{slot}" подставляется из Slots
	Slots            map[string][]string `json:"slots,omitempty"`
	ExpectedFormat   string              `json:"expected_format"`
	ExtractionSchema []string            `json:"extraction_schema,omitempty"`
	GroundTruth      string              `json:"ground_truth,omitempty"`
	DataValue        DataValue           `json:"data_value"`
	Difficulty       int                 `json:"difficulty"` // 1..5
	Fingerprinting   bool                `json:"fingerprinting"`
}

// GeneratedChallenge - конкретный экземпляр шаблона для одной сессии.
type GeneratedChallenge struct {
	ID             string `json:"id"`
	TemplateID     string `json:"template_id"`
	Category       string `json:"category"`
	Subcategory    string `json:"subcategory"`
	Prompt         string `json:"prompt"`
	ExpectedFormat string `json:"expected_format"`
	GroundTruth    string `json:"ground_truth,omitempty"`
	Fingerprinting bool   `json:"fingerprinting"`
}

// Challenge - изменяемая runtime-запись вокруг GeneratedChallenge.
type Challenge struct {
	GeneratedChallenge

	ScheduledFor     time.Time       `json:"scheduled_for"` // Время burst-а
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	RespondedAt      *time.Time      `json:"responded_at,omitempty"`
	Response         string          `json:"response,omitempty"`
	Status           ChallengeStatus `json:"status"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	ResponseTimeMs   int64           `json:"response_time_ms"`
	IsNightChallenge bool            `json:"is_night_challenge"`

	// Поля, извлеченные из ответа (для аналитики в durable store)
	Extracted map[string]any `json:"extracted,omitempty"`
}

// NewChallenge оборачивает сгенерированный челлендж в pending-запись.
func NewChallenge(g GeneratedChallenge, scheduledFor time.Time, night bool) *Challenge {
	return &Challenge{
		GeneratedChallenge: g,
		ScheduledFor:       scheduledFor,
		Status:             ChallengePending,
		IsNightChallenge:   night,
	}
}

// IsTerminal - челлендж уже классифицирован
func (c *Challenge) IsTerminal() bool {
	return c.Status != ChallengePending
}

// Attempted - агент ответил (passed или failed), skipped не считается
func (c *Challenge) Attempted() bool {
	return c.Status == ChallengePassed || c.Status == ChallengeFailed
}

// Resolve переводит pending -> {passed|failed|skipped} ровно один раз.
func (c *Challenge) Resolve(status ChallengeStatus, reason string) error {
	if c.IsTerminal() {
		return ErrChallengeResolved
	}
	if status == ChallengePending {
		return ErrInvalidTransition
	}
	c.Status = status
	c.FailureReason = reason
	return nil
}

// Clone копирует запись. Указатели на время не копируются: после установки они не мутируют.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
