package memory

/*
Файл store.go — рабочее состояние движка в памяти процесса: сессии, верифицированные
агенты, спот-чеки. При подключенном Persister сессии и очередь спот-чеков
пишутся насквозь в durable store; ошибки записи логируются и не откатывают память.

Все read-modify-write идут через Update*: на ключ берется отдельный мьютекс,
функция получает копию, копия сохраняется только при успехе. Читатели видят
лишь завершенные снапшоты и не ждут сетевых операций внутри Update.
*/

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

// Persister - durable копия сессий и очереди спот-чеков
type Persister interface {
	SaveSession(ctx context.Context, sess *domain.VerificationSession) error
	SaveSpotCheck(ctx context.Context, sc *domain.SpotCheck) error
	// ClaimSpotCheck удаляет запись; false - ее уже забрал другой инстанс
	ClaimSpotCheck(ctx context.Context, id string) (bool, error)
	DeleteSpotChecksForAgent(ctx context.Context, agentID string) error
}

type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*domain.VerificationSession
	active     map[string]string // agentID -> sessionID нетерминальной сессии
	agents     map[string]*domain.VerifiedAgent
	spotChecks map[string]*domain.SpotCheck

	locks keyLocker

	persister Persister
	logger    *zap.Logger
}

func NewStore() *Store {
	return &Store{
		sessions:   make(map[string]*domain.VerificationSession),
		active:     make(map[string]string),
		agents:     make(map[string]*domain.VerifiedAgent),
		spotChecks: make(map[string]*domain.SpotCheck),
		locks:      keyLocker{m: make(map[string]*keyLock)},
		logger:     zap.NewNop(),
	}
}

// WithPersister включает write-through. Вызывается до начала работы.
func (s *Store) WithPersister(p Persister, logger *zap.Logger) *Store {
	s.persister = p
	s.logger = logger.With(zap.String("mod", "memory-store"))
	return s
}

// --- Sessions ---

// CreateSession регистрирует новую сессию. У агента не может быть двух нетерминальных.
func (s *Store) CreateSession(ctx context.Context, sess *domain.VerificationSession) error {
	s.mu.Lock()
	if id, ok := s.active[sess.AgentID]; ok {
		if cur, exists := s.sessions[id]; exists && !cur.IsTerminal() {
			s.mu.Unlock()
			return domain.ErrSessionActive
		}
	}
	s.sessions[sess.ID] = sess.Clone()
	if !sess.IsTerminal() {
		s.active[sess.AgentID] = sess.ID
	}
	s.mu.Unlock()

	s.saveSession(ctx, sess)
	return nil
}

// RestoreSession кладет сессию из durable store без повторной записи.
// Локальная копия заменяется, только если восстановленная новее.
func (s *Store) RestoreSession(_ context.Context, sess *domain.VerificationSession) bool {
	unlock := s.locks.lock("session:" + sess.ID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.ID]; ok && cur.Version >= sess.Version {
		return false
	}
	if id, ok := s.active[sess.AgentID]; ok && id != sess.ID && !sess.IsTerminal() {
		if cur, exists := s.sessions[id]; exists && !cur.IsTerminal() {
			return false
		}
	}
	s.sessions[sess.ID] = sess.Clone()
	switch {
	case !sess.IsTerminal():
		s.active[sess.AgentID] = sess.ID
	case s.active[sess.AgentID] == sess.ID:
		delete(s.active, sess.AgentID)
	}
	return true
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// ActiveSession возвращает нетерминальную сессию агента, если она есть.
func (s *Store) ActiveSession(_ context.Context, agentID string) (*domain.VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[agentID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.sessions[id].Clone(), nil
}

// ListActiveSessionIDs - id всех нетерминальных сессий, по времени старта.
func (s *Store) ListActiveSessionIDs(_ context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*domain.VerificationSession, 0, len(s.active))
	for _, id := range s.active {
		list = append(list, s.sessions[id])
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })

	ids := make([]string, len(list))
	for i, sess := range list {
		ids[i] = sess.ID
	}
	return ids
}

// UpdateSession - атомарный read-modify-write одной сессии.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*domain.VerificationSession) error) (*domain.VerificationSession, error) {
	unlock := s.locks.lock("session:" + id)
	defer unlock()

	cur, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.Version++

	s.mu.Lock()
	s.sessions[id] = cur.Clone()
	if cur.IsTerminal() {
		if s.active[cur.AgentID] == id {
			delete(s.active, cur.AgentID)
		}
	}
	s.mu.Unlock()

	// Под локом ключа: durable версии пишутся в том же порядке
	s.saveSession(ctx, cur)
	return cur, nil
}

// --- Verified agents ---

func (s *Store) GetVerifiedAgent(_ context.Context, agentID string) (*domain.VerifiedAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, domain.ErrAgentNotVerified
	}
	return a.Clone(), nil
}

func (s *Store) PutVerifiedAgent(_ context.Context, a *domain.VerifiedAgent) error {
	unlock := s.locks.lock("agent:" + a.AgentID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.AgentID] = a.Clone()
	return nil
}

// UpdateVerifiedAgent - атомарный read-modify-write одного агента.
func (s *Store) UpdateVerifiedAgent(ctx context.Context, agentID string, fn func(*domain.VerifiedAgent) error) (*domain.VerifiedAgent, error) {
	unlock := s.locks.lock("agent:" + agentID)
	defer unlock()

	cur, err := s.GetVerifiedAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.agents[agentID] = cur.Clone()
	s.mu.Unlock()
	return cur, nil
}

func (s *Store) DeleteVerifiedAgent(_ context.Context, agentID string) error {
	unlock := s.locks.lock("agent:" + agentID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return domain.ErrAgentNotVerified
	}
	delete(s.agents, agentID)
	return nil
}

func (s *Store) ListVerifiedAgents(_ context.Context) []*domain.VerifiedAgent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.VerifiedAgent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// --- Spot checks ---

func (s *Store) PutSpotCheck(ctx context.Context, sc *domain.SpotCheck) error {
	s.RestoreSpotCheck(ctx, sc)
	if s.persister != nil {
		if err := s.persister.SaveSpotCheck(context.WithoutCancel(ctx), sc); err != nil {
			s.logger.Error("failed to persist spot check", zap.String("spot_check_id", sc.ID), zap.Error(err))
		}
	}
	return nil
}

// RestoreSpotCheck кладет спот-чек в очередь без записи в durable store
func (s *Store) RestoreSpotCheck(_ context.Context, sc *domain.SpotCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	cp.Challenge = sc.Challenge.Clone()
	s.spotChecks[sc.ID] = &cp
}

func (s *Store) GetSpotCheck(_ context.Context, id string) (*domain.SpotCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.spotChecks[id]
	if !ok {
		return nil, domain.ErrSpotCheckNotFound
	}
	cp := *sc
	cp.Challenge = sc.Challenge.Clone()
	return &cp, nil
}

// TakeSpotCheck забирает спот-чек из хранилища: второй вызов с тем же id получит ErrSpotCheckNotFound.
// С Persister запись забирается и из durable store, так что между инстансами
// проверка тоже выполняется один раз.
func (s *Store) TakeSpotCheck(ctx context.Context, id string) (*domain.SpotCheck, error) {
	s.mu.Lock()
	sc, ok := s.spotChecks[id]
	if ok {
		delete(s.spotChecks, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrSpotCheckNotFound
	}

	if s.persister != nil {
		claimed, err := s.persister.ClaimSpotCheck(context.WithoutCancel(ctx), id)
		switch {
		case err != nil:
			s.logger.Error("failed to claim spot check in durable store", zap.String("spot_check_id", id), zap.Error(err))
		case !claimed:
			s.logger.Info("spot check already taken by another instance", zap.String("spot_check_id", id))
			return nil, domain.ErrSpotCheckNotFound
		}
	}
	return sc, nil
}

// DueSpotChecks - id спот-чеков с ScheduledFor <= now, по времени.
func (s *Store) DueSpotChecks(_ context.Context, now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*domain.SpotCheck
	for _, sc := range s.spotChecks {
		if !sc.ScheduledFor.After(now) {
			due = append(due, sc)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })

	ids := make([]string, len(due))
	for i, sc := range due {
		ids[i] = sc.ID
	}
	return ids
}

func (s *Store) HasPendingSpotCheck(_ context.Context, agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.spotChecks {
		if sc.AgentID == agentID {
			return true
		}
	}
	return false
}

// DeleteSpotChecksForAgent чистит очередь отозванного агента.
func (s *Store) DeleteSpotChecksForAgent(ctx context.Context, agentID string) int {
	s.mu.Lock()
	n := 0
	for id, sc := range s.spotChecks {
		if sc.AgentID == agentID {
			delete(s.spotChecks, id)
			n++
		}
	}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteSpotChecksForAgent(context.WithoutCancel(ctx), agentID); err != nil {
			s.logger.Error("failed to delete persisted spot checks", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return n
}

func (s *Store) saveSession(ctx context.Context, sess *domain.VerificationSession) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveSession(context.WithoutCancel(ctx), sess); err != nil {
		s.logger.Error("failed to persist verification session",
			zap.String("session_id", sess.ID), zap.Int64("version", sess.Version), zap.Error(err))
	}
}

// --- per-key locks ---

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type keyLocker struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

func (k *keyLocker) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

// GetGlobalStats - счетчики для дашборда оператора
func (s *Store) GetGlobalStats(_ context.Context) (*domain.GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &domain.GlobalStats{
		ActiveSessions:    len(s.active),
		VerifiedAgents:    len(s.agents),
		AgentsByTier:      make(map[domain.TrustTier]int),
		PendingSpotChecks: len(s.spotChecks),
	}
	for _, a := range s.agents {
		st.AgentsByTier[a.TrustTier]++
	}
	return st, nil
}
