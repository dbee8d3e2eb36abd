package tier

/*
Файл machine.go — конечный автомат уровней доверия.

Серия "дней онлайн" растет на 1 при смене суток (>= 24ч с начала текущего дня),
если за ушедший день пропусков было не больше допустимого. Разрыв в несколько
суток засчитывается одним шагом. Превышение допуска внутри дня обнуляет серию
сразу. Тир пересчитывается из серии после каждого обновления; autonomous-3
не понижается никогда.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/audit"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

// Params - пороги тиров в днях и допуск пропусков в сутки
type Params struct {
	Autonomous1Days int
	Autonomous2Days int
	Autonomous3Days int
	SkipsAllowed    int
	DayLength       time.Duration
}

func DefaultParams() Params {
	return Params{
		Autonomous1Days: 3,
		Autonomous2Days: 7,
		Autonomous3Days: 30,
		SkipsAllowed:    1,
		DayLength:       24 * time.Hour,
	}
}

// Store - атомарное хранилище верифицированных агентов
type Store interface {
	PutVerifiedAgent(ctx context.Context, a *domain.VerifiedAgent) error
	UpdateVerifiedAgent(ctx context.Context, agentID string, fn func(*domain.VerifiedAgent) error) (*domain.VerifiedAgent, error)
}

// Directory - запись тира во внешний каталог агентов
type Directory interface {
	UpdateAgentTrustTier(ctx context.Context, agentID string, tier domain.TrustTier) error
}

// Notifier - широковещательный сигнал о смене тира
type Notifier interface {
	PublishTierChange(ctx context.Context, agentID string, change domain.TierChange) error
}

// Snapshotter - durable снапшот записи агента
type Snapshotter interface {
	SaveVerifiedAgent(ctx context.Context, a *domain.VerifiedAgent) error
}

// Observer - метрики смены тиров
type Observer interface {
	ObserveTierChange(from, to domain.TrustTier)
}

// Deps - коллабораторы автомата. Все, кроме Store, опциональны.
type Deps struct {
	Store     Store
	Directory Directory
	Notifier  Notifier
	Snapshots Snapshotter
	Journal   audit.Recorder
	Metrics   Observer
	Now       func() time.Time
}

type Machine struct {
	p      Params
	d      Deps
	logger *zap.Logger
}

func NewMachine(p Params, d Deps, logger *zap.Logger) *Machine {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Machine{p: p, d: d, logger: logger.Named("tier")}
}

func (m *Machine) Params() Params {
	return m.p
}

// TierForDays - тир по длине серии
func (m *Machine) TierForDays(days int) domain.TrustTier {
	switch {
	case days >= m.p.Autonomous3Days:
		return domain.TierAutonomous3
	case days >= m.p.Autonomous2Days:
		return domain.TierAutonomous2
	case days >= m.p.Autonomous1Days:
		return domain.TierAutonomous1
	default:
		return domain.TierSpawn
	}
}

// EnrollRequest - данные для создания записи после успешной сессии
type EnrollRequest struct {
	AgentID     string
	WebhookURL  string
	InitialDays int
	CapAtSpawn  bool // Ускоренный режим: тир не выше spawn
}

// Enroll создает VerifiedAgent. При повторной верификации запись не заменяется:
// серия начинается заново, но autonomous-3 сохраняется, история тиров дописывается,
// а история спот-чеков остается для окна отзыва.
func (m *Machine) Enroll(ctx context.Context, req EnrollRequest) (*domain.VerifiedAgent, error) {
	now := m.d.Now().UTC()

	t := m.TierForDays(req.InitialDays)
	if req.CapAtSpawn {
		t = domain.TierSpawn
	}

	var change *domain.TierChange
	agent, err := m.d.Store.UpdateVerifiedAgent(ctx, req.AgentID, func(a *domain.VerifiedAgent) error {
		change = nil
		m.reenroll(a, req, t, now, &change)
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrAgentNotVerified):
		change = &domain.TierChange{To: t, At: now, Reason: "verification passed", Days: req.InitialDays}
		agent = &domain.VerifiedAgent{
			AgentID:               req.AgentID,
			VerifiedAt:            now,
			WebhookURL:            req.WebhookURL,
			TrustTier:             t,
			ConsecutiveDaysOnline: req.InitialDays,
			CurrentDayStart:       now,
			TierHistory:           []domain.TierChange{*change},
		}
		if err := m.d.Store.PutVerifiedAgent(ctx, agent); err != nil {
			return nil, fmt.Errorf("store verified agent: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("re-enroll verified agent: %w", err)
	}

	m.logger.Info("agent enrolled",
		zap.String("agent_id", req.AgentID),
		zap.String("tier", string(agent.TrustTier)),
		zap.Int("days", agent.ConsecutiveDaysOnline),
		zap.Int("spot_check_history", len(agent.SpotCheckHistory)),
	)
	m.afterChange(ctx, agent, change)
	return agent, nil
}

// reenroll - мутация существующей записи после новой успешной сессии
func (m *Machine) reenroll(a *domain.VerifiedAgent, req EnrollRequest, next domain.TrustTier, now time.Time, change **domain.TierChange) {
	a.VerifiedAt = now
	if req.WebhookURL != "" {
		a.WebhookURL = req.WebhookURL
	}
	a.ConsecutiveDaysOnline = req.InitialDays
	a.CurrentDayStart = now
	a.CurrentDaySkips = 0

	if a.TrustTier.IsPermanent() {
		next = a.TrustTier
	}
	c := domain.TierChange{From: a.TrustTier, To: next, At: now, Reason: "re-verification passed", Days: req.InitialDays}
	a.TierHistory = append(a.TierHistory, c)
	if next != a.TrustTier {
		a.TrustTier = next
		*change = &c
	}
}

// UpdateConsecutiveDays учитывает один исход проверки (answered=false - пропуск).
func (m *Machine) UpdateConsecutiveDays(ctx context.Context, agentID string, answered bool) (*domain.VerifiedAgent, error) {
	var change *domain.TierChange

	agent, err := m.d.Store.UpdateVerifiedAgent(ctx, agentID, func(a *domain.VerifiedAgent) error {
		change = nil
		m.apply(a, answered, m.d.Now().UTC(), &change)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.afterChange(ctx, agent, change)
	return agent, nil
}

// apply - чистая мутация записи агента
func (m *Machine) apply(a *domain.VerifiedAgent, answered bool, now time.Time, change **domain.TierChange) {
	if a.CurrentDayStart.IsZero() {
		a.CurrentDayStart = now
	}

	// Смена суток: закрываем прошлый день
	if now.Sub(a.CurrentDayStart) >= m.p.DayLength {
		if a.CurrentDaySkips <= m.p.SkipsAllowed {
			a.ConsecutiveDaysOnline++
		} else {
			a.ConsecutiveDaysOnline = 0
		}
		a.CurrentDayStart = now
		a.CurrentDaySkips = 0
	}

	if !answered {
		a.CurrentDaySkips++
		if a.CurrentDaySkips > m.p.SkipsAllowed {
			a.ConsecutiveDaysOnline = 0
		}
	}

	next := m.TierForDays(a.ConsecutiveDaysOnline)
	if a.TrustTier.IsPermanent() {
		next = a.TrustTier
	}
	if next == a.TrustTier {
		return
	}

	reason := "promoted"
	if next.Rank() < a.TrustTier.Rank() {
		reason = "streak reset"
	}
	c := domain.TierChange{From: a.TrustTier, To: next, At: now, Reason: reason, Days: a.ConsecutiveDaysOnline}
	a.TierHistory = append(a.TierHistory, c)
	a.TrustTier = next
	*change = &c
}

// afterChange - write-through во внешние системы. Ошибки логируются и не откатывают состояние.
func (m *Machine) afterChange(ctx context.Context, a *domain.VerifiedAgent, change *domain.TierChange) {
	if m.d.Snapshots != nil {
		if err := m.d.Snapshots.SaveVerifiedAgent(ctx, a); err != nil {
			m.logger.Error("failed to persist verified agent snapshot", zap.String("agent_id", a.AgentID), zap.Error(err))
		}
	}
	if change == nil {
		return
	}

	m.logger.Info("trust tier changed",
		zap.String("agent_id", a.AgentID),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.Int("days", change.Days),
	)

	if m.d.Directory != nil {
		if err := m.d.Directory.UpdateAgentTrustTier(ctx, a.AgentID, change.To); err != nil {
			m.logger.Error("failed to update trust tier in directory", zap.String("agent_id", a.AgentID), zap.Error(err))
		}
	}
	if m.d.Notifier != nil {
		if err := m.d.Notifier.PublishTierChange(ctx, a.AgentID, *change); err != nil {
			m.logger.Warn("failed to publish tier change", zap.String("agent_id", a.AgentID), zap.Error(err))
		}
	}
	if m.d.Metrics != nil {
		m.d.Metrics.ObserveTierChange(change.From, change.To)
	}
	if m.d.Journal != nil {
		m.d.Journal.Record(audit.Event{
			Kind:      audit.KindTierChange,
			AgentID:   a.AgentID,
			Status:    string(change.To),
			Timestamp: change.At,
			Payload: map[string]any{
				"from":             string(change.From),
				"to":               string(change.To),
				"reason":           change.Reason,
				"consecutive_days": change.Days,
			},
		})
	}
}
