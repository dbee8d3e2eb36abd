package engine

/*
Файл service.go — программные точки входа движка верификации.
Собственного планировщика нет: внешний триггер (cron, admin API или встроенный
тикер cmd) вызывает ProcessDueChallenges, внутри одного вызова всплески идут
последовательно, а члены всплеска — параллельно.

Сетевой обмен идет на копии сессии вне лока хранилища, результаты вливаются
обратно атомарным UpdateSession. Челлендж, уже терминальный в хранилище,
повторно не перезаписывается.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/audit"
	"github.com/xela07ax/spaceai-verifier/internal/dispatch"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"github.com/xela07ax/spaceai-verifier/internal/tier"
	"go.uber.org/zap"
)

const ReasonWindowElapsed = "verification window elapsed"

var (
	ErrInvalidRequest = errors.New("invalid verification request")
	ErrAgentBusy      = errors.New("agent is being processed by another worker")
)

// Params - гейты финализации и длина окна ускоренного режима
type Params struct {
	MinAttemptRate    float64
	MinPassesPerDay   int
	PassRateRequired  float64
	SkipsAllowed      int // Для начальной серии дней
	AcceleratedWindow time.Duration
	DayLength         time.Duration
}

func DefaultParams() Params {
	return Params{
		MinAttemptRate:    0.6,
		MinPassesPerDay:   1,
		PassRateRequired:  0.8,
		SkipsAllowed:      1,
		AcceleratedWindow: time.Hour,
		DayLength:         24 * time.Hour,
	}
}

// ParamsFromConfig - гейты и окна из секции verification конфига
func ParamsFromConfig(vc infra.VerificationConfig) Params {
	return Params{
		MinAttemptRate:    vc.MinAttemptRate,
		MinPassesPerDay:   vc.MinPassesPerDay,
		PassRateRequired:  vc.PassRateRequired,
		SkipsAllowed:      vc.SkipsAllowedPerDay,
		AcceleratedWindow: vc.AcceleratedWindow,
		DayLength:         24 * time.Hour,
	}
}

// --- Зависимости ---

type Store interface {
	CreateSession(ctx context.Context, sess *domain.VerificationSession) error
	GetSession(ctx context.Context, id string) (*domain.VerificationSession, error)
	ActiveSession(ctx context.Context, agentID string) (*domain.VerificationSession, error)
	ListActiveSessionIDs(ctx context.Context) []string
	UpdateSession(ctx context.Context, id string, fn func(*domain.VerificationSession) error) (*domain.VerificationSession, error)
	RestoreSession(ctx context.Context, sess *domain.VerificationSession) bool
	GetVerifiedAgent(ctx context.Context, agentID string) (*domain.VerifiedAgent, error)
}

type Generator interface {
	GenerateVerificationChallenges(count int) []domain.GeneratedChallenge
}

// Planner - раскладка челленджей по дням и всплескам
type Planner interface {
	TotalChallenges() int
	Plan(start time.Time, generated []domain.GeneratedChallenge) []domain.DailyChallenge
}

type BurstRunner interface {
	RunBursts(ctx context.Context, webhookURL, sessionID string, bursts [][]*domain.Challenge) (dispatch.BurstResult, error)
	Params() dispatch.Params
}

type Analyzer interface {
	Analyze(sess *domain.VerificationSession) domain.AutonomyAnalysis
}

type Enroller interface {
	Enroll(ctx context.Context, req tier.EnrollRequest) (*domain.VerifiedAgent, error)
}

// Directory - внешний каталог агентов социальной платформы
type Directory interface {
	UpdateAgentVerificationStatus(ctx context.Context, agentID string, verified bool, webhookURL string) error
	UpdateAgentDetectedModel(ctx context.Context, agentID string, m domain.ModelDetection) error
}

type Fingerprinter interface {
	GenerateFingerprint(ctx context.Context, agentID string, samples []domain.FingerprintSample) error
}

type ModelDetector interface {
	DetectModel(ctx context.Context, responses []string, claimedModel string) (domain.ModelDetection, error)
}

// Locker - single-flight по агенту между инстансами
type Locker interface {
	TryLock(ctx context.Context, agentID string) (release func(), ok bool, err error)
}

// SessionLoader - durable копии сессий, которые пишут все инстансы
type SessionLoader interface {
	LoadSession(ctx context.Context, id string) (*domain.VerificationSession, error)
}

// Notifier - сигнал "агент верифицирован" для остальной платформы
type Notifier interface {
	PublishVerification(ctx context.Context, agentID string, verified bool) error
}

type SessionObserver interface {
	ObserveSession(outcome string, score float64)
}

// Deps - все, кроме Store/Generator/Planner/Runner/Analyzer/Tiers, опционально.
type Deps struct {
	Store     Store
	Generator Generator
	Planner   Planner
	Runner    BurstRunner
	Analyzer  Analyzer
	Tiers     Enroller

	Directory     Directory
	Fingerprinter Fingerprinter
	ModelDetector ModelDetector
	Locker        Locker
	Sessions      SessionLoader
	Notifier      Notifier
	Journal       audit.Recorder
	Metrics       SessionObserver
	Now           func() time.Time
}

// Verifier - фасад движка: старт сессий, обработка наступивших всплесков, финализация.
type Verifier struct {
	p      Params
	d      Deps
	logger *zap.Logger
	local  *agentGate
}

func NewVerifier(p Params, d Deps, logger *zap.Logger) *Verifier {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Verifier{p: p, d: d, logger: logger.Named("verifier"), local: newAgentGate()}
}

// StartRequest - запрос на новую сессию верификации
type StartRequest struct {
	AgentID      string `json:"agent_id"`
	WebhookURL   string `json:"webhook_url"`
	ClaimedModel string `json:"claimed_model,omitempty"`
	Accelerated  bool   `json:"accelerated"`
}

func (r StartRequest) validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}
	if !strings.HasPrefix(r.WebhookURL, "http://") && !strings.HasPrefix(r.WebhookURL, "https://") {
		return fmt.Errorf("%w: webhook_url must be an http(s) URL", ErrInvalidRequest)
	}
	return nil
}

// StartSession генерирует челленджи, строит план всплесков и регистрирует сессию.
func (v *Verifier) StartSession(ctx context.Context, req StartRequest) (*domain.VerificationSession, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := v.d.Store.ActiveSession(ctx, req.AgentID); err == nil {
		return nil, domain.ErrSessionActive
	}

	now := v.d.Now().UTC()
	generated := v.d.Generator.GenerateVerificationChallenges(v.d.Planner.TotalChallenges())
	days := v.d.Planner.Plan(now, generated)

	sess := &domain.VerificationSession{
		ID:           uuid.New().String(),
		AgentID:      req.AgentID,
		WebhookURL:   req.WebhookURL,
		ClaimedModel: req.ClaimedModel,
		Mode:         domain.ModeScheduled,
		Status:       domain.SessionPending,
		Days:         days,
		StartedAt:    now,
		EndsAt:       now.Add(time.Duration(len(days)) * v.p.DayLength),
	}
	if req.Accelerated {
		sess.Mode = domain.ModeAccelerated
		sess.EndsAt = now.Add(v.p.AcceleratedWindow)
	}

	// Повторная проверка внутри хранилища закрывает гонку двух стартов
	if err := v.d.Store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	total := len(sess.AllChallenges())
	v.logger.Info("verification session started",
		zap.String("agent_id", sess.AgentID),
		zap.String("session_id", sess.ID),
		zap.String("mode", string(sess.Mode)),
		zap.Int("challenges", total),
		zap.Time("ends_at", sess.EndsAt),
	)
	v.record(audit.Event{
		Kind:      audit.KindSessionStarted,
		AgentID:   sess.AgentID,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Payload: map[string]any{
			"mode":          string(sess.Mode),
			"webhook_url":   sess.WebhookURL,
			"claimed_model": sess.ClaimedModel,
			"challenges":    total,
			"ends_at":       sess.EndsAt,
		},
	})
	return sess, nil
}

func (v *Verifier) GetSession(ctx context.Context, id string) (*domain.VerificationSession, error) {
	return v.d.Store.GetSession(ctx, id)
}

// AgentStatus - сводка по агенту: активная сессия и/или запись верифицированного агента.
type AgentStatus struct {
	AgentID       string                      `json:"agent_id"`
	Verified      bool                        `json:"verified"`
	Agent         *domain.VerifiedAgent       `json:"verified_agent,omitempty"`
	ActiveSession *domain.VerificationSession `json:"active_session,omitempty"`
	Stats         *domain.SessionStats        `json:"active_session_stats,omitempty"`
}

func (v *Verifier) AgentStatus(ctx context.Context, agentID string) (AgentStatus, error) {
	st := AgentStatus{AgentID: agentID}

	a, err := v.d.Store.GetVerifiedAgent(ctx, agentID)
	switch {
	case err == nil:
		st.Verified, st.Agent = true, a
	case !errors.Is(err, domain.ErrAgentNotVerified):
		return st, err
	}

	sess, err := v.d.Store.ActiveSession(ctx, agentID)
	switch {
	case err == nil:
		stats := sess.Stats()
		st.ActiveSession, st.Stats = sess, &stats
	case !errors.Is(err, domain.ErrSessionNotFound):
		return st, err
	}
	return st, nil
}

// ProcessReport - итог одного прохода ProcessDueChallenges
type ProcessReport struct {
	Sessions   int      `json:"sessions"`
	Bursts     int      `json:"bursts"`
	Dispatched int      `json:"dispatched"`
	Finalized  []string `json:"finalized,omitempty"`
	Busy       int      `json:"busy"`
}

// ProcessDueChallenges отправляет все наступившие всплески всех активных сессий
// и финализирует сессии, у которых все челленджи терминальны или окно истекло.
func (v *Verifier) ProcessDueChallenges(ctx context.Context) (ProcessReport, error) {
	var rep ProcessReport
	for _, id := range v.d.Store.ListActiveSessionIDs(ctx) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		err := v.processSession(ctx, id, &rep)
		switch {
		case err == nil:
		case errors.Is(err, ErrAgentBusy):
			rep.Busy++
		case errors.Is(err, domain.ErrSessionTerminal), errors.Is(err, domain.ErrSessionNotFound):
			// Сессию финализировал параллельный вызов
		case ctx.Err() != nil:
			return rep, ctx.Err()
		default:
			v.logger.Error("failed to process session", zap.String("session_id", id), zap.Error(err))
		}
	}
	return rep, nil
}

func (v *Verifier) processSession(ctx context.Context, id string, rep *ProcessReport) error {
	sess, err := v.d.Store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return domain.ErrSessionTerminal
	}

	release, err := v.lock(ctx, sess.AgentID)
	if err != nil {
		return err
	}
	defer release()

	// Под локом перечитываем: снимок до лока мог устареть
	v.refresh(ctx, id)
	if sess, err = v.d.Store.GetSession(ctx, id); err != nil {
		return err
	}
	if sess.IsTerminal() {
		return domain.ErrSessionTerminal
	}
	rep.Sessions++

	now := v.d.Now().UTC()
	if !now.Before(sess.EndsAt) {
		if err := v.expire(ctx, id); err != nil {
			return err
		}
		return v.finalizeInto(ctx, id, rep)
	}

	var due []*domain.Challenge
	for _, ch := range sess.AllChallenges() {
		if !ch.IsTerminal() && !ch.ScheduledFor.After(now) {
			due = append(due, ch)
		}
	}
	if len(due) == 0 {
		return nil
	}

	bursts := dispatch.GroupBursts(due)
	n, err := v.dispatch(ctx, sess, bursts)
	rep.Bursts += len(bursts)
	rep.Dispatched += n
	if err != nil {
		return err
	}
	return v.finalizeInto(ctx, id, rep)
}

// RunSessionNow прогоняет все оставшиеся челленджи сразу: всплесками по BurstSize,
// последовательно с паузой. Используется ускоренным режимом.
func (v *Verifier) RunSessionNow(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	sess, err := v.d.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return nil, domain.ErrSessionTerminal
	}

	release, err := v.lock(ctx, sess.AgentID)
	if err != nil {
		return nil, err
	}
	defer release()

	v.refresh(ctx, sessionID)
	if sess, err = v.d.Store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return nil, domain.ErrSessionTerminal
	}

	bursts := dispatch.Chunk(sess.AllChallenges(), v.d.Runner.Params().BurstSize)
	if _, err := v.dispatch(ctx, sess, bursts); err != nil {
		return nil, err
	}

	cur, err := v.d.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !cur.AllTerminal() {
		return cur, nil
	}
	return v.Finalize(ctx, sessionID)
}

func (v *Verifier) finalizeInto(ctx context.Context, id string, rep *ProcessReport) error {
	cur, err := v.d.Store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !cur.AllTerminal() {
		return nil
	}
	if _, err := v.Finalize(ctx, id); err != nil {
		return err
	}
	rep.Finalized = append(rep.Finalized, id)
	return nil
}

// dispatch гоняет всплески на копии сессии и вливает результаты в хранилище.
func (v *Verifier) dispatch(ctx context.Context, sess *domain.VerificationSession, bursts [][]*domain.Challenge) (int, error) {
	if len(bursts) == 0 {
		return 0, nil
	}
	if _, err := v.d.Store.UpdateSession(ctx, sess.ID, func(s *domain.VerificationSession) error {
		if s.Status == domain.SessionInProgress {
			return nil
		}
		if err := s.CanTransitionTo(domain.SessionInProgress); err != nil {
			return err
		}
		s.Status = domain.SessionInProgress
		return nil
	}); err != nil {
		return 0, err
	}

	_, runErr := v.d.Runner.RunBursts(ctx, sess.WebhookURL, sess.ID, bursts)

	resolved := make(map[string]*domain.Challenge)
	for _, burst := range bursts {
		for _, ch := range burst {
			if ch.IsTerminal() {
				resolved[ch.ID] = ch
			}
		}
	}
	if len(resolved) == 0 {
		return 0, runErr
	}

	// Результат вливаем даже при отмене: уже отправленные челленджи повторно не уходят
	merged := 0
	_, err := v.d.Store.UpdateSession(context.WithoutCancel(ctx), sess.ID, func(s *domain.VerificationSession) error {
		merged = 0
		for _, day := range s.Days {
			for i, ch := range day.Challenges {
				r, ok := resolved[ch.ID]
				if !ok || ch.IsTerminal() {
					continue
				}
				day.Challenges[i] = r.Clone()
				merged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("merge burst results: %w", err)
	}

	for _, ch := range resolved {
		v.journalChallenge(sess, ch)
	}
	v.logger.Debug("bursts dispatched",
		zap.String("session_id", sess.ID),
		zap.Int("bursts", len(bursts)),
		zap.Int("resolved", merged),
	)
	return merged, runErr
}

// expire - окно истекло: все pending становятся skipped.
func (v *Verifier) expire(ctx context.Context, id string) error {
	now := v.d.Now().UTC()
	_, err := v.d.Store.UpdateSession(ctx, id, func(s *domain.VerificationSession) error {
		if s.IsTerminal() {
			return domain.ErrSessionTerminal
		}
		for _, ch := range s.AllChallenges() {
			if ch.IsTerminal() {
				continue
			}
			if ch.SentAt == nil {
				ch.SentAt = &now
			}
			_ = ch.Resolve(domain.ChallengeSkipped, ReasonWindowElapsed)
		}
		return nil
	})
	return err
}

// lock - single-flight по агенту: сначала внутри процесса, затем между инстансами.
func (v *Verifier) lock(ctx context.Context, agentID string) (func(), error) {
	if !v.local.tryLock(agentID) {
		return nil, ErrAgentBusy
	}
	if v.d.Locker == nil {
		return func() { v.local.unlock(agentID) }, nil
	}
	release, ok, err := v.d.Locker.TryLock(ctx, agentID)
	if err != nil {
		// Redis недоступен: остаемся на локальном локе, как в одиночном инстансе
		v.logger.Warn("agent lock unavailable, proceeding with local lock only", zap.String("agent_id", agentID), zap.Error(err))
		return func() { v.local.unlock(agentID) }, nil
	}
	if !ok {
		v.local.unlock(agentID)
		return nil, ErrAgentBusy
	}
	return func() {
		release()
		v.local.unlock(agentID)
	}, nil
}

// refresh подтягивает durable версию сессии, если другой инстанс успел ее продвинуть.
// Вызывается под локом агента.
func (v *Verifier) refresh(ctx context.Context, id string) {
	if v.d.Sessions == nil {
		return
	}
	remote, err := v.d.Sessions.LoadSession(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			v.logger.Warn("failed to refresh session from durable store", zap.String("session_id", id), zap.Error(err))
		}
		return
	}
	if v.d.Store.RestoreSession(ctx, remote) {
		v.logger.Info("session refreshed from durable store", zap.String("session_id", id), zap.Int64("version", remote.Version))
	}
}

// agentGate - неблокирующий набор занятых агентов внутри процесса
type agentGate struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func newAgentGate() *agentGate {
	return &agentGate{busy: make(map[string]struct{})}
}

func (g *agentGate) tryLock(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[agentID]; ok {
		return false
	}
	g.busy[agentID] = struct{}{}
	return true
}

func (g *agentGate) unlock(agentID string) {
	g.mu.Lock()
	delete(g.busy, agentID)
	g.mu.Unlock()
}

func (v *Verifier) journalChallenge(sess *domain.VerificationSession, ch *domain.Challenge) {
	v.record(audit.Event{
		Kind:        audit.KindChallengeResponse,
		AgentID:     sess.AgentID,
		SessionID:   sess.ID,
		ChallengeID: ch.ID,
		Status:      string(ch.Status),
		DurationMs:  ch.ResponseTimeMs,
		Error:       ch.FailureReason,
		Payload: map[string]any{
			"template_id": ch.TemplateID,
			"category":    ch.Category,
			"subcategory": ch.Subcategory,
			"prompt":      ch.Prompt,
			"response":    ch.Response,
			"night":       ch.IsNightChallenge,
			"extracted":   ch.Extracted,
		},
	})
}

func (v *Verifier) record(e audit.Event) {
	if v.d.Journal != nil {
		v.d.Journal.Record(e)
	}
}
