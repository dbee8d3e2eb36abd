package spotcheck

/*
Файл monitor.go — постверификационный надзор: случайные одиночные проверки
уже верифицированных агентов и отзыв статуса по скользящему окну.

- skipped (offline, 5xx): не трогает серию и историю;
- failed: в историю + updateConsecutiveDays(false);
- passed: в историю + updateConsecutiveDays(true).
После каждого не-skipped исхода окно пересчитывается и может привести к отзыву.
*/

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/audit"
	"github.com/xela07ax/spaceai-verifier/internal/dispatch"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

type Params struct {
	Timeout          time.Duration // Дедлайн, сообщаемый агенту
	RequestTimeout   time.Duration // Сетевой abort, должен быть больше Timeout
	MaxDelay         time.Duration // Спот-чек назначается в пределах этого интервала
	Window           time.Duration
	MaxFailures      int
	MinChecksForRate int
	MaxFailureRate   float64
}

func DefaultParams() Params {
	return Params{
		Timeout:          10 * time.Second,
		RequestTimeout:   15 * time.Second,
		MaxDelay:         24 * time.Hour,
		Window:           30 * 24 * time.Hour,
		MaxFailures:      10,
		MinChecksForRate: 10,
		MaxFailureRate:   0.25,
	}
}

// Generator - источник одиночных челленджей
type Generator interface {
	GenerateSpotCheckChallenge() domain.GeneratedChallenge
}

// Sender - отправка одного челленджа на webhook
type Sender interface {
	Send(ctx context.Context, webhookURL string, ch *domain.Challenge, meta dispatch.RequestMeta) dispatch.Outcome
}

// Store - рабочее состояние агентов и очередь спот-чеков
type Store interface {
	GetVerifiedAgent(ctx context.Context, agentID string) (*domain.VerifiedAgent, error)
	UpdateVerifiedAgent(ctx context.Context, agentID string, fn func(*domain.VerifiedAgent) error) (*domain.VerifiedAgent, error)
	DeleteVerifiedAgent(ctx context.Context, agentID string) error
	ListVerifiedAgents(ctx context.Context) []*domain.VerifiedAgent

	PutSpotCheck(ctx context.Context, sc *domain.SpotCheck) error
	TakeSpotCheck(ctx context.Context, id string) (*domain.SpotCheck, error)
	DueSpotChecks(ctx context.Context, now time.Time) []string
	HasPendingSpotCheck(ctx context.Context, agentID string) bool
	DeleteSpotChecksForAgent(ctx context.Context, agentID string) int
}

// StreakUpdater - автомат тиров
type StreakUpdater interface {
	UpdateConsecutiveDays(ctx context.Context, agentID string, answered bool) (*domain.VerifiedAgent, error)
}

// Directory - внешний каталог агентов
type Directory interface {
	UpdateAgentVerificationStatus(ctx context.Context, agentID string, verified bool, webhookURL string) error
}

// Notifier - сигнал об отзыве верификации
type Notifier interface {
	PublishRevocation(ctx context.Context, agentID, reason string) error
}

// Snapshots - durable копия записи агента
type Snapshots interface {
	SaveVerifiedAgent(ctx context.Context, a *domain.VerifiedAgent) error
	DeleteVerifiedAgent(ctx context.Context, agentID string) error
}

// History - durable история исходов, общая для инстансов. Окно отзыва
// считается по ней, локальная история остается запасным вариантом.
type History interface {
	AppendSpotCheckResult(ctx context.Context, agentID string, r domain.SpotCheckResult) error
	SpotCheckWindow(ctx context.Context, agentID string, since time.Time) (domain.SpotCheckWindowStats, error)
}

// Observer - метрики спот-чеков
type Observer interface {
	ObserveSpotCheck(outcome domain.ChallengeStatus)
	ObserveRevocation()
}

type Deps struct {
	Generator Generator
	Sender    Sender
	Store     Store
	Tiers     StreakUpdater
	Directory Directory
	Notifier  Notifier
	Snapshots Snapshots
	History   History
	Journal   audit.Recorder
	Metrics   Observer
	Now       func() time.Time
	Rand      *rand.Rand
}

type Monitor struct {
	p      Params
	d      Deps
	logger *zap.Logger
	rngMu  sync.Mutex
}

func NewMonitor(p Params, d Deps, logger *zap.Logger) *Monitor {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	// Abort не раньше дедлайна, иначе "слишком медленно" превращается в offline
	if p.RequestTimeout <= p.Timeout {
		p.RequestTimeout = p.Timeout + p.Timeout/2
	}
	return &Monitor{p: p, d: d, logger: logger.Named("spotcheck")}
}

// Result - итог одного спот-чека
type Result struct {
	SpotCheckID string                 `json:"spot_check_id"`
	AgentID     string                 `json:"agent_id"`
	Status      domain.ChallengeStatus `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	Revoked     bool                   `json:"revoked"`
	Tier        domain.TrustTier       `json:"tier,omitempty"`
}

// ScheduleSpotCheck ставит одну проверку в случайный момент в пределах MaxDelay.
func (m *Monitor) ScheduleSpotCheck(ctx context.Context, agentID string) (*domain.SpotCheck, error) {
	if _, err := m.d.Store.GetVerifiedAgent(ctx, agentID); err != nil {
		return nil, err
	}

	m.rngMu.Lock()
	offset := time.Duration(m.d.Rand.Int64N(int64(m.p.MaxDelay)))
	m.rngMu.Unlock()

	at := m.d.Now().UTC().Add(offset)
	g := m.d.Generator.GenerateSpotCheckChallenge()
	sc := &domain.SpotCheck{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Challenge:    domain.NewChallenge(g, at, false),
		ScheduledFor: at,
	}
	if err := m.d.Store.PutSpotCheck(ctx, sc); err != nil {
		return nil, fmt.Errorf("store spot check: %w", err)
	}

	m.logger.Debug("spot check scheduled",
		zap.String("agent_id", agentID),
		zap.String("spot_check_id", sc.ID),
		zap.Time("at", at),
	)
	return sc, nil
}

// ScheduleAll назначает по одной проверке каждому верифицированному агенту без очереди.
func (m *Monitor) ScheduleAll(ctx context.Context) (int, error) {
	n := 0
	for _, a := range m.d.Store.ListVerifiedAgents(ctx) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if m.d.Store.HasPendingSpotCheck(ctx, a.AgentID) {
			continue
		}
		if _, err := m.ScheduleSpotCheck(ctx, a.AgentID); err != nil {
			m.logger.Warn("failed to schedule spot check", zap.String("agent_id", a.AgentID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// ProcessDue прогоняет все спот-чеки, чье время наступило.
func (m *Monitor) ProcessDue(ctx context.Context) ([]Result, error) {
	var results []Result
	for _, id := range m.d.Store.DueSpotChecks(ctx, m.d.Now()) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := m.RunSpotCheck(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrSpotCheckNotFound) {
				continue // Уже забран параллельным вызовом
			}
			m.logger.Error("spot check failed to run", zap.String("spot_check_id", id), zap.Error(err))
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// RunSpotCheck выполняет проверку ровно один раз: запись забирается из очереди до отправки.
func (m *Monitor) RunSpotCheck(ctx context.Context, id string) (Result, error) {
	sc, err := m.d.Store.TakeSpotCheck(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{SpotCheckID: sc.ID, AgentID: sc.AgentID}

	agent, err := m.d.Store.GetVerifiedAgent(ctx, sc.AgentID)
	if err != nil {
		// Агент отозван, пока проверка ждала в очереди
		return res, fmt.Errorf("spot check %s: %w", sc.ID, err)
	}

	out := m.d.Sender.Send(ctx, agent.WebhookURL, sc.Challenge, dispatch.RequestMeta{
		Type:           dispatch.TypeSpotCheck,
		RespondWithin:  m.p.Timeout,
		RequestTimeout: m.p.RequestTimeout,
	})
	if out.Aborted {
		out.Status, out.Reason = domain.ChallengeSkipped, dispatch.ReasonCancelled
	}
	if err := dispatch.Apply(sc.Challenge, out); err != nil {
		return res, fmt.Errorf("apply spot check outcome: %w", err)
	}

	completed := m.d.Now().UTC()
	sc.CompletedAt = &completed
	sc.Passed = out.Status == domain.ChallengePassed
	sc.Skipped = out.Status == domain.ChallengeSkipped
	res.Status, res.Reason = out.Status, out.Reason

	m.journal(sc)
	if m.d.Metrics != nil {
		m.d.Metrics.ObserveSpotCheck(out.Status)
	}

	if sc.Skipped {
		m.logger.Info("spot check skipped: agent offline",
			zap.String("agent_id", sc.AgentID),
			zap.String("reason", out.Reason),
		)
		res.Tier = agent.TrustTier
		return res, nil
	}

	updated, err := m.d.Tiers.UpdateConsecutiveDays(ctx, sc.AgentID, sc.Passed)
	if err != nil {
		return res, fmt.Errorf("update streak: %w", err)
	}
	res.Tier = updated.TrustTier

	var stats domain.SpotCheckWindowStats
	outcome := domain.SpotCheckResult{At: completed, Passed: sc.Passed}
	since := completed.Add(-m.p.Window)
	updated, err = m.d.Store.UpdateVerifiedAgent(ctx, sc.AgentID, func(a *domain.VerifiedAgent) error {
		a.SpotCheckHistory = append(a.SpotCheckHistory, outcome)
		stats = a.WindowStats(since)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("append spot check history: %w", err)
	}
	if m.d.History != nil {
		stats = m.sharedWindow(ctx, sc.AgentID, outcome, since, stats)
	}

	if reason, revoke := m.shouldRevoke(stats); revoke {
		m.revoke(ctx, updated, reason)
		res.Revoked = true
		return res, nil
	}

	if m.d.Snapshots != nil {
		if err := m.d.Snapshots.SaveVerifiedAgent(ctx, updated); err != nil {
			m.logger.Error("failed to persist verified agent snapshot", zap.String("agent_id", sc.AgentID), zap.Error(err))
		}
	}
	return res, nil
}

// sharedWindow дописывает исход в общую историю и читает окно по всем инстансам.
// При ошибке остается локальная статистика.
func (m *Monitor) sharedWindow(ctx context.Context, agentID string, r domain.SpotCheckResult, since time.Time, local domain.SpotCheckWindowStats) domain.SpotCheckWindowStats {
	log := m.logger.With(zap.String("agent_id", agentID))
	if err := m.d.History.AppendSpotCheckResult(ctx, agentID, r); err != nil {
		log.Error("failed to persist spot check result", zap.Error(err))
		return local
	}
	shared, err := m.d.History.SpotCheckWindow(ctx, agentID, since)
	if err != nil {
		log.Error("failed to read shared spot check window", zap.Error(err))
		return local
	}
	if shared.Checks < local.Checks {
		// Durable история моложе локальной (например, после включения Postgres)
		return local
	}
	return shared
}

func (m *Monitor) shouldRevoke(st domain.SpotCheckWindowStats) (string, bool) {
	if st.Failures >= m.p.MaxFailures {
		return fmt.Sprintf("%d spot check failures in the last %d days", st.Failures, int(m.p.Window.Hours()/24)), true
	}
	if st.Checks >= m.p.MinChecksForRate && st.FailureRate > m.p.MaxFailureRate {
		return fmt.Sprintf("spot check failure rate %.0f%% over %d checks exceeds %.0f%%",
			st.FailureRate*100, st.Checks, m.p.MaxFailureRate*100), true
	}
	return "", false
}

// revoke - необратимый отзыв: удаление записи и снятие статуса во внешнем каталоге.
func (m *Monitor) revoke(ctx context.Context, a *domain.VerifiedAgent, reason string) {
	log := m.logger.With(zap.String("agent_id", a.AgentID))
	log.Warn("VERIFICATION REVOKED", zap.String("reason", reason))

	if err := m.d.Store.DeleteVerifiedAgent(ctx, a.AgentID); err != nil {
		log.Error("failed to delete verified agent", zap.Error(err))
	}
	m.d.Store.DeleteSpotChecksForAgent(ctx, a.AgentID)

	if m.d.Snapshots != nil {
		if err := m.d.Snapshots.DeleteVerifiedAgent(ctx, a.AgentID); err != nil {
			log.Error("failed to delete verified agent snapshot", zap.Error(err))
		}
	}
	if m.d.Directory != nil {
		if err := m.d.Directory.UpdateAgentVerificationStatus(ctx, a.AgentID, false, ""); err != nil {
			log.Error("failed to mark agent unverified in directory", zap.Error(err))
		}
	}
	if m.d.Notifier != nil {
		if err := m.d.Notifier.PublishRevocation(ctx, a.AgentID, reason); err != nil {
			log.Warn("failed to publish revocation", zap.Error(err))
		}
	}
	if m.d.Metrics != nil {
		m.d.Metrics.ObserveRevocation()
	}
	if m.d.Journal != nil {
		m.d.Journal.Record(audit.Event{
			Kind:    audit.KindRevocation,
			AgentID: a.AgentID,
			Status:  "revoked",
			Payload: map[string]any{
				"reason":      reason,
				"trust_tier":  string(a.TrustTier),
				"spot_checks": len(a.SpotCheckHistory),
			},
		})
	}
}

func (m *Monitor) journal(sc *domain.SpotCheck) {
	if m.d.Journal == nil {
		return
	}
	ch := sc.Challenge
	m.d.Journal.Record(audit.Event{
		Kind:        audit.KindSpotCheck,
		AgentID:     sc.AgentID,
		ChallengeID: ch.ID,
		Status:      string(ch.Status),
		DurationMs:  ch.ResponseTimeMs,
		Error:       ch.FailureReason,
		Payload: map[string]any{
			"spot_check_id": sc.ID,
			"category":      ch.Category,
			"subcategory":   ch.Subcategory,
			"prompt":        ch.Prompt,
			"response":      ch.Response,
			"extracted":     ch.Extracted,
		},
	})
}
