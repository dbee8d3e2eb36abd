package dispatch

/*
Файл dispatcher.go реализует доставку челленджей на webhook агента.

Классификация ответа:
- нет ответа / отказ соединения / таймаут запроса -> skipped ("offline");
- HTTP 5xx -> skipped (не штрафует pass rate, но портит uptime);
- HTTP 4xx -> failed;
- 2xx, но дольше заявленного дедлайна -> failed ("too slow");
- 2xx, тело пустое или слишком короткое -> failed;
- 2xx и структурно валидно -> решение за ResponseValidator.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/validator"
	"go.uber.org/zap"
)

const (
	TypeVerification = "verification_challenge"
	TypeSpotCheck    = "spot_check"

	maxResponseBytes = 1 << 20

	ReasonOffline      = "offline"
	ReasonBurstTimeout = "burst timeout - could not respond to all challenges in time"
	ReasonCancelled    = "dispatch cancelled"
)

// Params - таймауты доставки
type Params struct {
	RespondWithin    time.Duration // Дедлайн, сообщаемый агенту
	RequestTimeout   time.Duration // Сетевой abort одного запроса
	BurstTimeout     time.Duration
	BurstPause       time.Duration
	BurstSize        int
	MinResponseChars int
}

func DefaultParams() Params {
	return Params{
		RespondWithin:    15 * time.Second,
		RequestTimeout:   20 * time.Second,
		BurstTimeout:     20 * time.Second,
		BurstPause:       2 * time.Second,
		BurstSize:        3,
		MinResponseChars: 10,
	}
}

// ResponseValidator - структурный гейт качества
type ResponseValidator interface {
	Validate(category, expectedFormat, text string) validator.Result
	Extract(category, text string) map[string]any
}

// Recorder - приемник метрик доставки
type Recorder interface {
	ObserveChallenge(kind string, status domain.ChallengeStatus, responseTime time.Duration)
	ObserveBurstTimeout(kind string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveChallenge(string, domain.ChallengeStatus, time.Duration) {}
func (noopRecorder) ObserveBurstTimeout(string)                                     {}

// WebhookRequest - тело POST на webhook агента
type WebhookRequest struct {
	Type                 string `json:"type"`
	ChallengeID          string `json:"challenge_id"`
	Prompt               string `json:"prompt"`
	Category             string `json:"category"`
	Subcategory          string `json:"subcategory"`
	ExpectedFormat       string `json:"expected_format"`
	RespondWithinSeconds int    `json:"respond_within_seconds"`
}

// RequestMeta - контекст одного запроса
type RequestMeta struct {
	Type           string
	SessionID      string
	RespondWithin  time.Duration
	RequestTimeout time.Duration
}

// Outcome - результат классификации одного запроса
type Outcome struct {
	Status         domain.ChallengeStatus
	Reason         string
	Response       string
	HTTPStatus     int
	SentAt         time.Time
	RespondedAt    time.Time
	ResponseTimeMs int64
	Extracted      map[string]any

	// Aborted - запрос прерван родительским контекстом (burst timeout или остановка)
	Aborted bool
}

type Dispatcher struct {
	client    *http.Client
	validator ResponseValidator
	recorder  Recorder
	p         Params
	logger    *zap.Logger
	now       func() time.Time
}

func New(client *http.Client, v ResponseValidator, p Params, recorder Recorder, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{} // Таймауты задаются контекстом
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Dispatcher{
		client:    client,
		validator: v,
		recorder:  recorder,
		p:         p,
		logger:    logger.Named("dispatcher"),
		now:       time.Now,
	}
}

func (d *Dispatcher) Params() Params {
	return d.p
}

// Send выполняет один POST и классифицирует ответ. Challenge не мутирует.
func (d *Dispatcher) Send(ctx context.Context, webhookURL string, ch *domain.Challenge, meta RequestMeta) Outcome {
	if meta.RespondWithin <= 0 {
		meta.RespondWithin = d.p.RespondWithin
	}
	if meta.RequestTimeout <= 0 {
		meta.RequestTimeout = d.p.RequestTimeout
	}
	if meta.Type == "" {
		meta.Type = TypeVerification
	}

	body, err := json.Marshal(WebhookRequest{
		Type:                 meta.Type,
		ChallengeID:          ch.ID,
		Prompt:               ch.Prompt,
		Category:             ch.Category,
		Subcategory:          ch.Subcategory,
		ExpectedFormat:       ch.ExpectedFormat,
		RespondWithinSeconds: int(meta.RespondWithin / time.Second),
	})
	if err != nil {
		return Outcome{Status: domain.ChallengeFailed, Reason: fmt.Sprintf("encode request: %v", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, meta.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Status: domain.ChallengeSkipped, Reason: "unreachable: invalid webhook url"}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Verification-Type", meta.Type)
	req.Header.Set("X-Challenge-ID", ch.ID)
	if meta.SessionID != "" {
		req.Header.Set("X-Session-ID", meta.SessionID)
	}

	sent := d.now()
	out := Outcome{SentAt: sent}

	resp, err := d.client.Do(req)
	if err != nil {
		return d.networkFailure(ctx, out, err)
	}
	defer resp.Body.Close()

	out.HTTPStatus = resp.StatusCode
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return d.networkFailure(ctx, out, err)
	}

	responded := d.now()
	elapsed := responded.Sub(sent)
	out.RespondedAt = responded
	out.ResponseTimeMs = elapsed.Milliseconds()

	switch {
	case resp.StatusCode >= 500:
		out.Status, out.Reason = domain.ChallengeSkipped, fmt.Sprintf("server error (HTTP %d)", resp.StatusCode)
		return out
	case resp.StatusCode >= 400:
		out.Status, out.Reason = domain.ChallengeFailed, fmt.Sprintf("client error (HTTP %d)", resp.StatusCode)
		return out
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		out.Status, out.Reason = domain.ChallengeFailed, fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)
		return out
	}

	if elapsed > meta.RespondWithin {
		out.Status = domain.ChallengeFailed
		out.Reason = fmt.Sprintf("too slow: responded in %dms, limit %dms", elapsed.Milliseconds(), meta.RespondWithin.Milliseconds())
		return out
	}

	text := ParseResponseText(raw)
	out.Response = text
	if len([]rune(strings.TrimSpace(text))) < d.p.MinResponseChars {
		out.Status, out.Reason = domain.ChallengeFailed, "response empty or too short"
		return out
	}

	out.Extracted = d.validator.Extract(ch.Category, text)
	if res := d.validator.Validate(ch.Category, ch.ExpectedFormat, text); !res.Valid {
		out.Status, out.Reason = domain.ChallengeFailed, res.Reason
		return out
	}

	out.Status = domain.ChallengePassed
	return out
}

// networkFailure различает собственный таймаут запроса (offline) и отмену сверху.
func (d *Dispatcher) networkFailure(parent context.Context, out Outcome, err error) Outcome {
	if parent.Err() != nil {
		out.Aborted = true
		return out
	}
	d.logger.Debug("webhook unreachable", zap.Error(err))
	out.Status, out.Reason = domain.ChallengeSkipped, ReasonOffline
	return out
}

// Apply переносит результат в запись челленджа (pending -> terminal ровно один раз).
func Apply(ch *domain.Challenge, o Outcome) error {
	if !o.SentAt.IsZero() {
		sent := o.SentAt
		ch.SentAt = &sent
	}
	if err := ch.Resolve(o.Status, o.Reason); err != nil {
		return err
	}
	if !o.RespondedAt.IsZero() {
		responded := o.RespondedAt
		ch.RespondedAt = &responded
	}
	ch.Response = o.Response
	ch.ResponseTimeMs = o.ResponseTimeMs
	ch.Extracted = o.Extracted
	return nil
}

// ParseResponseText достает текст из {response|answer|content}. Иное считается пустым.
func ParseResponseText(raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, key := range []string{"response", "answer", "content"} {
		if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
