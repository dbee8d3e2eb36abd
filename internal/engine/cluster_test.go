package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

type snapshotStub struct {
	agents map[string]*domain.VerifiedAgent
}

func (s *snapshotStub) LoadVerifiedAgents(context.Context) ([]*domain.VerifiedAgent, error) {
	out := make([]*domain.VerifiedAgent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *snapshotStub) LoadVerifiedAgent(_ context.Context, id string) (*domain.VerifiedAgent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotVerified
	}
	return a.Clone(), nil
}

func TestClusterSync_InitKeepsFresherLocalState(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_ = store.PutVerifiedAgent(ctx, &domain.VerifiedAgent{AgentID: "a1", TrustTier: domain.TierAutonomous2, ConsecutiveDaysOnline: 8, VerifiedAt: now})
	loader := &snapshotStub{agents: map[string]*domain.VerifiedAgent{
		"a1": {AgentID: "a1", TrustTier: domain.TierAutonomous1, ConsecutiveDaysOnline: 5},
		"a2": {AgentID: "a2", TrustTier: domain.TierSpawn},
	}}

	cs := NewClusterSync(nil, loader, store, zaptest.NewLogger(t))
	if err := cs.Init(ctx); err != nil {
		t.Fatal(err)
	}

	a1, _ := store.GetVerifiedAgent(ctx, "a1")
	if a1.TrustTier != domain.TierAutonomous2 || a1.ConsecutiveDaysOnline != 8 {
		t.Fatalf("local record overwritten: %+v", a1)
	}
	if _, err := store.GetVerifiedAgent(ctx, "a2"); err != nil {
		t.Fatalf("a2 not rehydrated: %v", err)
	}
}

func TestClusterSync_HandleSignal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	loader := &snapshotStub{agents: map[string]*domain.VerifiedAgent{
		"remote": {AgentID: "remote", TrustTier: domain.TierSpawn},
	}}
	cs := NewClusterSync(nil, loader, store, zaptest.NewLogger(t))

	// Агента верифицировал другой инстанс
	cs.HandleSignal(ctx, "remote", true)
	if _, err := store.GetVerifiedAgent(ctx, "remote"); err != nil {
		t.Fatalf("remote agent not adopted: %v", err)
	}

	_ = store.PutSpotCheck(ctx, &domain.SpotCheck{ID: "sc1", AgentID: "remote", ScheduledFor: time.Now()})
	cs.HandleSignal(ctx, "remote", false)
	if _, err := store.GetVerifiedAgent(ctx, "remote"); !errors.Is(err, domain.ErrAgentNotVerified) {
		t.Fatalf("revoked agent still present: %v", err)
	}
	if store.HasPendingSpotCheck(ctx, "remote") {
		t.Fatal("spot checks of revoked agent must be dropped")
	}

	// Неизвестный агент и повторный сигнал не ломают состояние
	cs.HandleSignal(ctx, "ghost", true)
	cs.HandleSignal(ctx, "remote", false)
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		in     string
		id     string
		status bool
		ok     bool
	}{
		{"agent-1:true", "agent-1", true, true},
		{"agent-1:false", "agent-1", false, true},
		{"urn:agent:7:on", "urn:agent:7", true, true},
		{"garbage", "", false, false},
		{":true", "", false, false},
	}
	for _, c := range cases {
		id, status, ok := parseSignal(c.in)
		if id != c.id || status != c.status || ok != c.ok {
			t.Errorf("parseSignal(%q) = %q %v %v", c.in, id, status, ok)
		}
	}
}

type stateStub struct {
	sessions []*domain.VerificationSession
	checks   []*domain.SpotCheck
}

func (s *stateStub) LoadActiveSessions(context.Context) ([]*domain.VerificationSession, error) {
	return s.sessions, nil
}

func (s *stateStub) LoadSpotChecks(context.Context) ([]*domain.SpotCheck, error) {
	return s.checks, nil
}

func TestClusterSync_InitRestoresPendingWork(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	state := &stateStub{
		sessions: []*domain.VerificationSession{
			{ID: "s1", AgentID: "a1", Status: domain.SessionInProgress, StartedAt: now, EndsAt: now.Add(72 * time.Hour), Version: 3},
		},
		checks: []*domain.SpotCheck{
			{ID: "sc1", AgentID: "a2", ScheduledFor: now.Add(time.Hour)},
		},
	}
	cs := NewClusterSync(nil, nil, store, zaptest.NewLogger(t)).WithState(state, store)
	if err := cs.Init(ctx); err != nil {
		t.Fatal(err)
	}

	sess, err := store.ActiveSession(ctx, "a1")
	if err != nil || sess.ID != "s1" || sess.Version != 3 {
		t.Fatalf("session not restored: %+v %v", sess, err)
	}
	if due := store.DueSpotChecks(ctx, now.Add(2*time.Hour)); len(due) != 1 || due[0] != "sc1" {
		t.Fatalf("due spot checks = %v", due)
	}
}
