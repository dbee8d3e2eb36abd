package connectors

import (
	"context"
	"math/rand/v2" // Используем v2 для Go 1.25
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// MockDirectory - каталог агентов в памяти для локального запуска и тестов
type MockDirectory struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
}

func NewMockDirectory() *MockDirectory {
	return &MockDirectory{agents: make(map[string]*domain.Agent)}
}

func (d *MockDirectory) agent(id string) *domain.Agent {
	a, ok := d.agents[id]
	if !ok {
		a = &domain.Agent{ID: id, CreatedAt: time.Now().UTC()}
		d.agents[id] = a
	}
	a.UpdatedAt = time.Now().UTC()
	return a
}

func (d *MockDirectory) GetAgentByID(_ context.Context, agentID string) (*domain.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (d *MockDirectory) UpdateAgentVerificationStatus(_ context.Context, agentID string, verified bool, webhookURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.agent(agentID)
	a.IsVerified = verified
	if webhookURL != "" {
		a.WebhookURL = webhookURL
	}
	return nil
}

func (d *MockDirectory) UpdateAgentTrustTier(_ context.Context, agentID string, tier domain.TrustTier) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agent(agentID).TrustTier = tier
	return nil
}

func (d *MockDirectory) UpdateAgentDetectedModel(_ context.Context, agentID string, m domain.ModelDetection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.agent(agentID)
	a.DetectedModel, a.ModelConfidence, a.ModelMatched = m.Model, m.Confidence, m.Matched
	return nil
}

// MockFingerprinter принимает отпечаток и ничего с ним не делает
type MockFingerprinter struct {
	mu    sync.Mutex
	calls int
}

func (f *MockFingerprinter) GenerateFingerprint(ctx context.Context, _ string, _ []domain.FingerprintSample) error {
	if err := simulateLatency(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

func (f *MockFingerprinter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// MockModelDetector "угадывает" модель по заявленной
type MockModelDetector struct{}

func (MockModelDetector) DetectModel(ctx context.Context, responses []string, claimedModel string) (domain.ModelDetection, error) {
	if err := simulateLatency(ctx); err != nil {
		return domain.ModelDetection{}, err
	}
	if claimedModel == "" {
		return domain.ModelDetection{Model: "unknown", Confidence: 0.1}, nil
	}
	conf := 0.5
	if len(responses) >= 10 {
		conf = 0.8
	}
	return domain.ModelDetection{Model: strings.ToLower(claimedModel), Confidence: conf, Matched: true}, nil
}

// simulateLatency - задержка 5-50мс, как у живого сервиса
func simulateLatency(ctx context.Context) error {
	latency := time.Duration(5+rand.IntN(45)) * time.Millisecond
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
