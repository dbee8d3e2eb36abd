package tier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type directoryStub struct {
	mu    sync.Mutex
	tiers []domain.TrustTier
}

func (d *directoryStub) UpdateAgentTrustTier(_ context.Context, _ string, t domain.TrustTier) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tiers = append(d.tiers, t)
	return nil
}

func newMachine(t *testing.T) (*Machine, *clock, *directoryStub) {
	c := &clock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	dir := &directoryStub{}
	m := NewMachine(DefaultParams(), Deps{
		Store:     memory.NewStore(),
		Directory: dir,
		Now:       c.now,
	}, zaptest.NewLogger(t))
	return m, c, dir
}

func TestTierForDays(t *testing.T) {
	m, _, _ := newMachine(t)
	cases := map[int]domain.TrustTier{
		0: domain.TierSpawn, 2: domain.TierSpawn, 3: domain.TierAutonomous1,
		6: domain.TierAutonomous1, 7: domain.TierAutonomous2, 29: domain.TierAutonomous2,
		30: domain.TierAutonomous3, 90: domain.TierAutonomous3,
	}
	for days, want := range cases {
		if got := m.TierForDays(days); got != want {
			t.Errorf("TierForDays(%d) = %s, want %s", days, got, want)
		}
	}
}

func TestPromotionThenResetAndDemotion(t *testing.T) {
	ctx := context.Background()
	m, c, dir := newMachine(t)

	a, err := m.Enroll(ctx, EnrollRequest{AgentID: "a1", InitialDays: 2})
	if err != nil {
		t.Fatal(err)
	}
	if a.TrustTier != domain.TierSpawn {
		t.Fatalf("initial tier = %s, want spawn", a.TrustTier)
	}

	c.advance(24 * time.Hour)
	a, _ = m.UpdateConsecutiveDays(ctx, "a1", true)
	if a.ConsecutiveDaysOnline != 3 || a.TrustTier != domain.TierAutonomous1 {
		t.Fatalf("after rollover: days=%d tier=%s, want 3 autonomous-1", a.ConsecutiveDaysOnline, a.TrustTier)
	}

	c.advance(24 * time.Hour)
	a, _ = m.UpdateConsecutiveDays(ctx, "a1", false)
	if a.ConsecutiveDaysOnline != 4 || a.CurrentDaySkips != 1 {
		t.Fatalf("one skip is within grace: days=%d skips=%d", a.ConsecutiveDaysOnline, a.CurrentDaySkips)
	}

	c.advance(time.Hour)
	a, _ = m.UpdateConsecutiveDays(ctx, "a1", false)
	if a.ConsecutiveDaysOnline != 0 || a.TrustTier != domain.TierSpawn {
		t.Fatalf("second skip: days=%d tier=%s, want 0 spawn", a.ConsecutiveDaysOnline, a.TrustTier)
	}

	if n := len(a.TierHistory); n != 3 {
		t.Fatalf("tier history has %d entries, want 3", n)
	}
	last := a.TierHistory[2]
	if last.From != domain.TierAutonomous1 || last.To != domain.TierSpawn {
		t.Errorf("last change = %+v", last)
	}
	if len(dir.tiers) != 3 || dir.tiers[1] != domain.TierAutonomous1 || dir.tiers[2] != domain.TierSpawn {
		t.Errorf("directory writes = %v", dir.tiers)
	}
}

func TestAutonomous3IsPermanent(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newMachine(t)

	if _, err := m.Enroll(ctx, EnrollRequest{AgentID: "a1", InitialDays: 30}); err != nil {
		t.Fatal(err)
	}
	c.advance(time.Hour)
	_, _ = m.UpdateConsecutiveDays(ctx, "a1", false)
	a, _ := m.UpdateConsecutiveDays(ctx, "a1", false)

	if a.ConsecutiveDaysOnline != 0 {
		t.Fatalf("days = %d, want reset to 0", a.ConsecutiveDaysOnline)
	}
	if a.TrustTier != domain.TierAutonomous3 {
		t.Fatalf("tier = %s, want autonomous-3 kept", a.TrustTier)
	}
}

func TestRolloverWithSkipCountsForNewDay(t *testing.T) {
	ctx := context.Background()
	m, c, _ := newMachine(t)
	_, _ = m.Enroll(ctx, EnrollRequest{AgentID: "a1", InitialDays: 1})

	// Пропуск после нескольких суток тишины: серия +1 один раз, пропуск идет в новый день
	c.advance(72 * time.Hour)
	a, _ := m.UpdateConsecutiveDays(ctx, "a1", false)
	if a.ConsecutiveDaysOnline != 2 {
		t.Fatalf("days = %d, want 2 (multi-day gap counts once)", a.ConsecutiveDaysOnline)
	}
	if a.CurrentDaySkips != 1 || !a.CurrentDayStart.Equal(c.now()) {
		t.Fatalf("new day: skips=%d start=%s", a.CurrentDaySkips, a.CurrentDayStart)
	}
}

func TestEnrollCappedAtSpawn(t *testing.T) {
	m, _, _ := newMachine(t)
	a, err := m.Enroll(context.Background(), EnrollRequest{AgentID: "a1", InitialDays: 3, CapAtSpawn: true})
	if err != nil {
		t.Fatal(err)
	}
	if a.TrustTier != domain.TierSpawn || a.ConsecutiveDaysOnline != 3 {
		t.Fatalf("got tier=%s days=%d", a.TrustTier, a.ConsecutiveDaysOnline)
	}
}

func TestUpdateUnknownAgent(t *testing.T) {
	m, _, _ := newMachine(t)
	if _, err := m.UpdateConsecutiveDays(context.Background(), "ghost", true); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestReEnrollKeepsPermanentTierAndHistory(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	m := NewMachine(DefaultParams(), Deps{Store: store, Now: c.now}, zaptest.NewLogger(t))

	seed := &domain.VerifiedAgent{
		AgentID:     "a1",
		TrustTier:   domain.TierAutonomous3,
		TierHistory: []domain.TierChange{{To: domain.TierAutonomous3, At: c.now()}},
	}
	for i := 0; i < 9; i++ {
		seed.SpotCheckHistory = append(seed.SpotCheckHistory, domain.SpotCheckResult{At: c.now(), Passed: false})
	}
	if err := store.PutVerifiedAgent(ctx, seed); err != nil {
		t.Fatal(err)
	}

	c.advance(time.Hour)
	a, err := m.Enroll(ctx, EnrollRequest{AgentID: "a1", InitialDays: 0, CapAtSpawn: true})
	if err != nil {
		t.Fatal(err)
	}
	if a.TrustTier != domain.TierAutonomous3 {
		t.Fatalf("tier = %s, want autonomous-3 kept", a.TrustTier)
	}
	if len(a.SpotCheckHistory) != 9 {
		t.Fatalf("spot check history = %d, want 9 kept", len(a.SpotCheckHistory))
	}
	if len(a.TierHistory) != 2 || a.TierHistory[1].Reason != "re-verification passed" {
		t.Fatalf("tier history = %+v, want appended entry", a.TierHistory)
	}

	stored, _ := store.GetVerifiedAgent(ctx, "a1")
	if stored.TrustTier != domain.TierAutonomous3 || len(stored.SpotCheckHistory) != 9 {
		t.Fatalf("stored record replaced: %+v", stored)
	}
}

func TestReEnrollRestartsStreakBelowPermanent(t *testing.T) {
	ctx := context.Background()
	m, c, dir := newMachine(t)

	if _, err := m.Enroll(ctx, EnrollRequest{AgentID: "a1", InitialDays: 7, WebhookURL: "https://a/hook"}); err != nil {
		t.Fatal(err)
	}
	c.advance(time.Hour)
	a, err := m.Enroll(ctx, EnrollRequest{AgentID: "a1", InitialDays: 3})
	if err != nil {
		t.Fatal(err)
	}
	if a.TrustTier != domain.TierAutonomous1 || a.ConsecutiveDaysOnline != 3 {
		t.Fatalf("got tier=%s days=%d, want autonomous-1 3", a.TrustTier, a.ConsecutiveDaysOnline)
	}
	if a.WebhookURL != "https://a/hook" {
		t.Fatalf("webhook = %q, want previous kept", a.WebhookURL)
	}
	if len(a.TierHistory) != 2 || a.TierHistory[1].From != domain.TierAutonomous2 {
		t.Fatalf("tier history = %+v", a.TierHistory)
	}
	if n := len(dir.tiers); n != 2 || dir.tiers[1] != domain.TierAutonomous1 {
		t.Fatalf("directory writes = %v", dir.tiers)
	}
}
