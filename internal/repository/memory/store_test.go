package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap/zaptest"
)

func TestUpdateVerifiedAgent_Atomic(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.PutVerifiedAgent(ctx, &domain.VerifiedAgent{AgentID: "a1", TrustTier: domain.TierSpawn})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateVerifiedAgent(ctx, "a1", func(a *domain.VerifiedAgent) error {
				a.ConsecutiveDaysOnline++
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetVerifiedAgent(ctx, "a1")
	if got.ConsecutiveDaysOnline != 100 {
		t.Fatalf("ConsecutiveDaysOnline = %d, want 100", got.ConsecutiveDaysOnline)
	}
}

func TestUpdateVerifiedAgent_ErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.PutVerifiedAgent(ctx, &domain.VerifiedAgent{AgentID: "a1"})

	boom := errors.New("boom")
	_, err := s.UpdateVerifiedAgent(ctx, "a1", func(a *domain.VerifiedAgent) error {
		a.ConsecutiveDaysOnline = 42
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.GetVerifiedAgent(ctx, "a1")
	if got.ConsecutiveDaysOnline != 0 {
		t.Fatal("failed update leaked into the store")
	}

	if _, err := s.UpdateVerifiedAgent(ctx, "missing", func(*domain.VerifiedAgent) error { return nil }); !errors.Is(err, domain.ErrAgentNotVerified) {
		t.Fatalf("missing agent: err = %v", err)
	}
}

func TestSessions_OneActivePerAgent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	first := &domain.VerificationSession{ID: "s1", AgentID: "a1", Status: domain.SessionInProgress}
	if err := s.CreateSession(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, &domain.VerificationSession{ID: "s2", AgentID: "a1", Status: domain.SessionPending}); !errors.Is(err, domain.ErrSessionActive) {
		t.Fatalf("second session: err = %v, want ErrSessionActive", err)
	}

	_, err := s.UpdateSession(ctx, "s1", func(sess *domain.VerificationSession) error {
		sess.Status = domain.SessionFailed
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ids := s.ListActiveSessionIDs(ctx); len(ids) != 0 {
		t.Fatalf("terminal session still active: %v", ids)
	}
	if err := s.CreateSession(ctx, &domain.VerificationSession{ID: "s2", AgentID: "a1", Status: domain.SessionPending}); err != nil {
		t.Fatalf("new session after terminal: %v", err)
	}
}

func TestGetSession_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	ch := domain.NewChallenge(domain.GeneratedChallenge{ID: "c1"}, time.Now(), false)
	_ = s.CreateSession(ctx, &domain.VerificationSession{
		ID: "s1", AgentID: "a1", Status: domain.SessionInProgress,
		Days: []domain.DailyChallenge{{Challenges: []*domain.Challenge{ch}}},
	})

	got, _ := s.GetSession(ctx, "s1")
	_ = got.Days[0].Challenges[0].Resolve(domain.ChallengePassed, "")

	again, _ := s.GetSession(ctx, "s1")
	if again.Days[0].Challenges[0].Status != domain.ChallengePending {
		t.Fatal("mutation of a read copy leaked into the store")
	}
}

func TestSpotChecks_DueAndTake(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_ = s.PutSpotCheck(ctx, &domain.SpotCheck{ID: "late", AgentID: "a1", ScheduledFor: now.Add(time.Hour)})
	_ = s.PutSpotCheck(ctx, &domain.SpotCheck{ID: "due-2", AgentID: "a2", ScheduledFor: now})
	_ = s.PutSpotCheck(ctx, &domain.SpotCheck{ID: "due-1", AgentID: "a3", ScheduledFor: now.Add(-time.Hour)})

	due := s.DueSpotChecks(ctx, now)
	if len(due) != 2 || due[0] != "due-1" || due[1] != "due-2" {
		t.Fatalf("due = %v", due)
	}

	if _, err := s.TakeSpotCheck(ctx, "due-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TakeSpotCheck(ctx, "due-1"); !errors.Is(err, domain.ErrSpotCheckNotFound) {
		t.Fatalf("second take: err = %v", err)
	}
	if !s.HasPendingSpotCheck(ctx, "a1") || s.HasPendingSpotCheck(ctx, "a3") {
		t.Fatal("pending spot check lookup is wrong")
	}
	if n := s.DeleteSpotChecksForAgent(ctx, "a1"); n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
}

func TestGetGlobalStats(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.CreateSession(ctx, &domain.VerificationSession{ID: "s1", AgentID: "a1", Status: domain.SessionInProgress})
	_ = s.PutVerifiedAgent(ctx, &domain.VerifiedAgent{AgentID: "a2", TrustTier: domain.TierSpawn})
	_ = s.PutVerifiedAgent(ctx, &domain.VerifiedAgent{AgentID: "a3", TrustTier: domain.TierAutonomous1})
	_ = s.PutVerifiedAgent(ctx, &domain.VerifiedAgent{AgentID: "a4", TrustTier: domain.TierAutonomous1})
	_ = s.PutSpotCheck(ctx, &domain.SpotCheck{ID: "sc1", AgentID: "a3", ScheduledFor: time.Now()})

	st, err := s.GetGlobalStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.ActiveSessions != 1 || st.VerifiedAgents != 3 || st.PendingSpotChecks != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.AgentsByTier[domain.TierAutonomous1] != 2 || st.AgentsByTier[domain.TierSpawn] != 1 {
		t.Fatalf("by tier = %v", st.AgentsByTier)
	}
}

type recordingPersister struct {
	mu       sync.Mutex
	sessions map[string]*domain.VerificationSession
	checks   map[string]*domain.SpotCheck
	failSave bool
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{sessions: map[string]*domain.VerificationSession{}, checks: map[string]*domain.SpotCheck{}}
}

func (p *recordingPersister) SaveSession(_ context.Context, sess *domain.VerificationSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave {
		return errors.New("db down")
	}
	p.sessions[sess.ID] = sess.Clone()
	return nil
}

func (p *recordingPersister) SaveSpotCheck(_ context.Context, sc *domain.SpotCheck) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[sc.ID] = sc
	return nil
}

func (p *recordingPersister) ClaimSpotCheck(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.checks[id]
	delete(p.checks, id)
	return ok, nil
}

func (p *recordingPersister) DeleteSpotChecksForAgent(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sc := range p.checks {
		if sc.AgentID == agentID {
			delete(p.checks, id)
		}
	}
	return nil
}

func TestPersister_SessionWriteThrough(t *testing.T) {
	ctx := context.Background()
	p := newRecordingPersister()
	s := NewStore().WithPersister(p, zaptest.NewLogger(t))

	_ = s.CreateSession(ctx, &domain.VerificationSession{ID: "s1", AgentID: "a1", Status: domain.SessionPending})
	got, err := s.UpdateSession(ctx, "s1", func(sess *domain.VerificationSession) error {
		sess.Status = domain.SessionInProgress
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if d := p.sessions["s1"]; d == nil || d.Version != 1 || d.Status != domain.SessionInProgress {
		t.Fatalf("durable copy = %+v", d)
	}

	// Ошибка durable store не откатывает память
	p.failSave = true
	got, err = s.UpdateSession(ctx, "s1", func(sess *domain.VerificationSession) error {
		sess.Status = domain.SessionFailed
		return nil
	})
	if err != nil || got.Status != domain.SessionFailed {
		t.Fatalf("update with failing persister: %v %+v", err, got)
	}
}

func TestRestoreSession_KeepsNewerLocalCopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.CreateSession(ctx, &domain.VerificationSession{ID: "s1", AgentID: "a1", Status: domain.SessionPending})
	_, _ = s.UpdateSession(ctx, "s1", func(sess *domain.VerificationSession) error {
		sess.Status = domain.SessionInProgress
		return nil
	})

	if s.RestoreSession(ctx, &domain.VerificationSession{ID: "s1", AgentID: "a1", Status: domain.SessionPending, Version: 1}) {
		t.Fatal("same version must not replace local copy")
	}
	if !s.RestoreSession(ctx, &domain.VerificationSession{ID: "s1", AgentID: "a1", Status: domain.SessionPassed, Version: 4}) {
		t.Fatal("newer version must replace local copy")
	}
	if _, err := s.ActiveSession(ctx, "a1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("terminal restored session still active: %v", err)
	}
	if !s.RestoreSession(ctx, &domain.VerificationSession{ID: "s2", AgentID: "a2", Status: domain.SessionInProgress, Version: 2}) {
		t.Fatal("unknown session must be restored")
	}
	if ids := s.ListActiveSessionIDs(ctx); len(ids) != 1 || ids[0] != "s2" {
		t.Fatalf("active = %v", ids)
	}
}

func TestTakeSpotCheck_ClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	p := newRecordingPersister()
	s := NewStore().WithPersister(p, zaptest.NewLogger(t))

	_ = s.PutSpotCheck(ctx, &domain.SpotCheck{ID: "sc1", AgentID: "a1"})
	_ = s.PutSpotCheck(ctx, &domain.SpotCheck{ID: "sc2", AgentID: "a1"})
	// Соседний инстанс уже забрал sc2
	_, _ = p.ClaimSpotCheck(ctx, "sc2")

	if _, err := s.TakeSpotCheck(ctx, "sc1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TakeSpotCheck(ctx, "sc2"); !errors.Is(err, domain.ErrSpotCheckNotFound) {
		t.Fatalf("err = %v, want ErrSpotCheckNotFound", err)
	}
	if len(p.checks) != 0 {
		t.Fatalf("durable queue = %v", p.checks)
	}
}
