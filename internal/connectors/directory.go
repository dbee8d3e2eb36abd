package connectors

/*
Файл directory.go — HTTP-клиент каталога агентов платформы.
Каждый вызов идет через ReliabilityWrapper: лимитер, предохранитель, повторы.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

const defaultRetryAfter = time.Second

type HTTPDirectory struct {
	baseURL string
	apiKey  string
	client  *http.Client
	guard   *ReliabilityWrapper
	logger  *zap.Logger
}

func NewHTTPDirectory(baseURL, apiKey string, client *http.Client, guard *ReliabilityWrapper, logger *zap.Logger) *HTTPDirectory {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		guard:   guard,
		logger:  logger.Named("directory"),
	}
}

// GetAgentByID читает профиль агента
func (d *HTTPDirectory) GetAgentByID(ctx context.Context, agentID string) (*domain.Agent, error) {
	var agent domain.Agent
	err := d.guard.Do(ctx, func(ctx context.Context) error {
		return d.call(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (d *HTTPDirectory) UpdateAgentVerificationStatus(ctx context.Context, agentID string, verified bool, webhookURL string) error {
	body := map[string]any{"is_verified": verified}
	if webhookURL != "" {
		body["webhook_url"] = webhookURL
	}
	return d.patch(ctx, agentID, "verification", body)
}

func (d *HTTPDirectory) UpdateAgentTrustTier(ctx context.Context, agentID string, tier domain.TrustTier) error {
	return d.patch(ctx, agentID, "trust-tier", map[string]any{"trust_tier": tier})
}

func (d *HTTPDirectory) UpdateAgentDetectedModel(ctx context.Context, agentID string, m domain.ModelDetection) error {
	return d.patch(ctx, agentID, "detected-model", map[string]any{
		"detected_model":   m.Model,
		"model_confidence": m.Confidence,
		"model_matched":    m.Matched,
	})
}

func (d *HTTPDirectory) patch(ctx context.Context, agentID, resource string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s update: %w", resource, err)
	}
	path := "/agents/" + url.PathEscape(agentID) + "/" + resource
	return d.guard.Do(ctx, func(ctx context.Context) error {
		return d.call(ctx, http.MethodPatch, path, payload, nil)
	})
}

// call - одна попытка запроса. Классифицирует ответ для retry и предохранителя.
func (d *HTTPDirectory) call(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      &StatusError{Code: resp.StatusCode, Body: string(raw)},
		}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 300:
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &StatusError{Code: resp.StatusCode, Body: "malformed body: " + err.Error()}
		}
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
