package domain

import "time"

// Agent - профиль агента во внешнем каталоге платформы.
// Движок его только читает и точечно обновляет через коллаборатора.
type Agent struct {
	ID         string `json:"id"`          // UUID
	Name       string `json:"name"`        // Человекочитаемое имя
	WebhookURL string `json:"webhook_url"` // Куда слать челленджи

	IsVerified bool      `json:"is_verified"`
	TrustTier  TrustTier `json:"trust_tier,omitempty"`

	// Результат детекции модели
	ClaimedModel    string  `json:"claimed_model,omitempty"`
	DetectedModel   string  `json:"detected_model,omitempty"`
	ModelConfidence float64 `json:"model_confidence,omitempty"`
	ModelMatched    bool    `json:"model_matched"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Дополнительные данные (версия, окружение и т.д.)
	Metadata map[string]interface{} `json:"metadata"`
}

// FingerprintSample - тройка из пройденного челленджа для построения "отпечатка личности"
type FingerprintSample struct {
	ChallengeType string `json:"challenge_type"`
	Prompt        string `json:"prompt"`
	Response      string `json:"response"`
}

// ModelDetection - ответ сервиса детекции модели
type ModelDetection struct {
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
	Matched    bool    `json:"matched"`
}
