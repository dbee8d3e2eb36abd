package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xela07ax/spaceai-verifier/internal/autonomy"
	"github.com/xela07ax/spaceai-verifier/internal/catalog"
	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/dispatch"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/repository/memory"
	"github.com/xela07ax/spaceai-verifier/internal/scheduler"
	"github.com/xela07ax/spaceai-verifier/internal/tier"
	"github.com/xela07ax/spaceai-verifier/internal/validator"
	"go.uber.org/zap/zaptest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// scriptedRunner резолвит челленджи без сети: по умолчанию passed за 800мс
type scriptedRunner struct {
	mu      sync.Mutex
	now     func() time.Time
	outcome func(ch *domain.Challenge) domain.ChallengeStatus
	sent    []string
}

func (r *scriptedRunner) Params() dispatch.Params { return dispatch.DefaultParams() }

func (r *scriptedRunner) RunBursts(_ context.Context, _, _ string, bursts [][]*domain.Challenge) (dispatch.BurstResult, error) {
	var res dispatch.BurstResult
	for _, burst := range bursts {
		for _, ch := range burst {
			if ch.IsTerminal() {
				continue
			}
			r.mu.Lock()
			r.sent = append(r.sent, ch.ID)
			r.mu.Unlock()

			status := domain.ChallengePassed
			if r.outcome != nil {
				status = r.outcome(ch)
			}
			sent := r.now()
			ch.SentAt = &sent
			if status != domain.ChallengeSkipped {
				answered := sent.Add(800 * time.Millisecond)
				ch.RespondedAt, ch.ResponseTimeMs = &answered, 800
				ch.Response = "a steady autonomous answer"
			}
			_ = ch.Resolve(status, "")
			switch status {
			case domain.ChallengePassed:
				res.Passed++
			case domain.ChallengeFailed:
				res.Failed++
			default:
				res.Skipped++
			}
		}
	}
	return res, nil
}

func (r *scriptedRunner) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	v       *Verifier
	store   *memory.Store
	clock   *clock
	dir     *connectors.MockDirectory
	fp      *connectors.MockFingerprinter
	metrics *Metrics
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, runner BurstRunner) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		store:   memory.NewStore(),
		clock:   &clock{t: t0},
		dir:     connectors.NewMockDirectory(),
		fp:      &connectors.MockFingerprinter{},
		metrics: NewMetrics(nil),
	}
	if runner == nil {
		runner = &scriptedRunner{now: f.clock.now}
	}
	machine := tier.NewMachine(tier.DefaultParams(), tier.Deps{
		Store:     f.store,
		Directory: f.dir,
		Metrics:   f.metrics,
		Now:       f.clock.now,
	}, logger)

	f.v = NewVerifier(DefaultParams(), Deps{
		Store:         f.store,
		Generator:     catalog.NewGenerator(catalog.DefaultTemplates(), rand.New(rand.NewPCG(7, 11))),
		Planner:       scheduler.New(scheduler.DefaultParams(), rand.New(rand.NewPCG(3, 5))),
		Runner:        runner,
		Analyzer:      autonomy.NewAnalyzer(autonomy.DefaultParams(), logger),
		Tiers:         machine,
		Directory:     f.dir,
		Fingerprinter: f.fp,
		ModelDetector: connectors.MockModelDetector{},
		Metrics:       f.metrics,
		Now:           f.clock.now,
	}, logger)
	return f
}

// buildSession - сессия с заранее заданными исходами по дням
func buildSession(id string, mode domain.SessionMode, days ...[]domain.ChallengeStatus) *domain.VerificationSession {
	s := &domain.VerificationSession{
		ID:         id,
		AgentID:    "agent-" + id,
		WebhookURL: "http://agent.test/hook",
		Mode:       mode,
		Status:     domain.SessionInProgress,
		StartedAt:  t0,
		EndsAt:     t0.Add(time.Duration(len(days)) * 24 * time.Hour),
	}
	n := 0
	for i, statuses := range days {
		date := t0.Add(time.Duration(i) * 24 * time.Hour)
		d := domain.DailyChallenge{Day: i, Date: date}
		at := date.Add(2 * time.Hour)
		for _, st := range statuses {
			n++
			ch := domain.NewChallenge(domain.GeneratedChallenge{
				ID:       id + "-c" + string(rune('a'+n)),
				Category: domain.CategoryReasoning,
				Prompt:   "why?",
			}, at, i < 2)
			if st != domain.ChallengePending {
				sent := at
				ch.SentAt = &sent
				if st != domain.ChallengeSkipped {
					ch.ResponseTimeMs = int64(700 + 10*n)
					ch.Response = "because of the reasons"
				}
				_ = ch.Resolve(st, "")
			}
			d.Challenges = append(d.Challenges, ch)
		}
		s.Days = append(s.Days, d)
	}
	return s
}

func repeat(st domain.ChallengeStatus, n int) []domain.ChallengeStatus {
	out := make([]domain.ChallengeStatus, n)
	for i := range out {
		out[i] = st
	}
	return out
}

func TestEvaluateGates_AttemptRate(t *testing.T) {
	f := newFixture(t, nil)
	statuses := append(repeat(domain.ChallengeSkipped, 5), repeat(domain.ChallengePassed, 5)...)
	sess := buildSession("s1", domain.ModeScheduled, statuses)

	res := f.v.EvaluateGates(sess, domain.AutonomyAnalysis{Verdict: domain.VerdictAutonomous})
	if res.Passed || res.Outcome != OutcomeAttemptRate {
		t.Fatalf("got %+v, want attempt rate failure", res)
	}
	if res.AttemptRate != 0.5 || !strings.Contains(res.Reason, "50%") || !strings.Contains(res.Reason, "60%") {
		t.Fatalf("rate=%v reason=%q", res.AttemptRate, res.Reason)
	}
}

func TestEvaluateGates_PassRate(t *testing.T) {
	f := newFixture(t, nil)
	statuses := append(repeat(domain.ChallengePassed, 7), repeat(domain.ChallengeFailed, 3)...)
	sess := buildSession("s2", domain.ModeScheduled, statuses)

	res := f.v.EvaluateGates(sess, domain.AutonomyAnalysis{Verdict: domain.VerdictAutonomous})
	if res.Passed || res.Outcome != OutcomePassRate {
		t.Fatalf("got %+v, want pass rate failure", res)
	}
	if res.PassRate != 0.7 || !strings.Contains(res.Reason, "70%") {
		t.Fatalf("rate=%v reason=%q", res.PassRate, res.Reason)
	}
}

func TestEvaluateGates_DailyMinimumAndAutonomy(t *testing.T) {
	f := newFixture(t, nil)
	good := repeat(domain.ChallengePassed, 3)
	human := domain.AutonomyAnalysis{Score: 30, Verdict: domain.VerdictLikelyHumanDirected, Reasons: []string{"night_performance: missed"}}

	sess := buildSession("s3", domain.ModeScheduled, good, []domain.ChallengeStatus{domain.ChallengeFailed}, good)
	if res := f.v.EvaluateGates(sess, human); res.Outcome != OutcomeDailyMinimum || !strings.Contains(res.Reason, "day 2") {
		t.Fatalf("got %+v, want daily minimum failure for day 2", res)
	}

	sess = buildSession("s4", domain.ModeScheduled, good, good, good)
	res := f.v.EvaluateGates(sess, human)
	if res.Outcome != OutcomeAutonomy || !strings.Contains(res.Reason, "night_performance") {
		t.Fatalf("got %+v, want autonomy failure", res)
	}

	// Ускоренный режим: ни per-day, ни autonomy гейт не применяются
	sess = buildSession("s5", domain.ModeAccelerated, good, []domain.ChallengeStatus{domain.ChallengeFailed}, good)
	if res := f.v.EvaluateGates(sess, human); !res.Passed {
		t.Fatalf("accelerated session must skip day and autonomy gates, got %+v", res)
	}
}

func TestFinalize_AcceleratedRunPassesAtSpawn(t *testing.T) {
	f := newFixture(t, nil)
	statuses := append(repeat(domain.ChallengePassed, 18), repeat(domain.ChallengeFailed, 2)...)
	sess := buildSession("acc", domain.ModeAccelerated, statuses)
	sess.ClaimedModel = "Claude"
	if err := f.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	got, err := f.v.Finalize(context.Background(), "acc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionPassed || got.CompletedAt == nil || got.Analysis == nil {
		t.Fatalf("session = %+v", got)
	}

	agent, err := f.store.GetVerifiedAgent(context.Background(), sess.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.TrustTier != domain.TierSpawn || agent.ConsecutiveDaysOnline != 0 {
		t.Fatalf("agent tier=%s days=%d, want spawn/0", agent.TrustTier, agent.ConsecutiveDaysOnline)
	}

	profile, err := f.dir.GetAgentByID(context.Background(), sess.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if !profile.IsVerified || profile.WebhookURL != sess.WebhookURL || profile.DetectedModel != "claude" {
		t.Fatalf("directory profile = %+v", profile)
	}
	if f.fp.Calls() != 1 {
		t.Fatalf("fingerprint calls = %d, want 1", f.fp.Calls())
	}
	if v := testutil.ToFloat64(f.metrics.SessionsFinalized.WithLabelValues(OutcomePassed)); v != 1 {
		t.Fatalf("passed sessions metric = %v", v)
	}

	if _, err := f.v.Finalize(context.Background(), "acc"); !errors.Is(err, domain.ErrSessionTerminal) {
		t.Fatalf("second finalize err = %v, want ErrSessionTerminal", err)
	}
}

func TestFinalize_FailureLeavesAgentUnverified(t *testing.T) {
	f := newFixture(t, nil)
	statuses := append(repeat(domain.ChallengeSkipped, 5), repeat(domain.ChallengePassed, 5)...)
	sess := buildSession("fail", domain.ModeScheduled, statuses)
	_ = f.store.CreateSession(context.Background(), sess)

	got, err := f.v.Finalize(context.Background(), "fail")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionFailed || !strings.Contains(got.FailureReason, "attempt rate 50%") {
		t.Fatalf("status=%s reason=%q", got.Status, got.FailureReason)
	}
	if _, err := f.store.GetVerifiedAgent(context.Background(), sess.AgentID); !errors.Is(err, domain.ErrAgentNotVerified) {
		t.Fatalf("agent must stay unverified, err=%v", err)
	}
	if f.fp.Calls() != 0 {
		t.Fatal("fingerprint must not be generated for failed sessions")
	}
}

func TestStartSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.v.StartSession(ctx, StartRequest{AgentID: "a1", WebhookURL: "https://agent.test/hook"})
	if err != nil {
		t.Fatal(err)
	}
	total := len(sess.AllChallenges())
	if len(sess.Days) != 3 || total < 9 || total > 15 {
		t.Fatalf("days=%d total=%d", len(sess.Days), total)
	}
	if sess.Status != domain.SessionPending || !sess.EndsAt.Equal(t0.Add(72*time.Hour)) {
		t.Fatalf("status=%s ends=%s", sess.Status, sess.EndsAt)
	}

	if _, err := f.v.StartSession(ctx, StartRequest{AgentID: "a1", WebhookURL: "https://agent.test/hook"}); !errors.Is(err, domain.ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
	if _, err := f.v.StartSession(ctx, StartRequest{AgentID: "a2", WebhookURL: "ftp://nope"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}

	acc, err := f.v.StartSession(ctx, StartRequest{AgentID: "a3", WebhookURL: "http://agent.test", Accelerated: true})
	if err != nil {
		t.Fatal(err)
	}
	if acc.Mode != domain.ModeAccelerated || !acc.EndsAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("mode=%s ends=%s", acc.Mode, acc.EndsAt)
	}
}

func TestProcessDueChallenges_DispatchesDueBurstsThenFinalizes(t *testing.T) {
	runner := &scriptedRunner{}
	f := newFixture(t, runner)
	runner.now = f.clock.now
	ctx := context.Background()

	pending := repeat(domain.ChallengePending, 3)
	sess := buildSession("due", domain.ModeScheduled, pending, pending, pending)
	sess.Status = domain.SessionPending
	if err := f.store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	// Наступил только всплеск первого дня
	f.clock.set(t0.Add(3 * time.Hour))
	rep, err := f.v.ProcessDueChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Dispatched != 3 || rep.Bursts != 1 || runner.sentCount() != 3 {
		t.Fatalf("report=%+v sent=%d", rep, runner.sentCount())
	}
	cur, _ := f.store.GetSession(ctx, "due")
	if cur.Status != domain.SessionInProgress {
		t.Fatalf("status = %s, want in_progress", cur.Status)
	}

	f.clock.set(t0.Add(50 * time.Hour))
	rep, err = f.v.ProcessDueChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Dispatched != 6 || len(rep.Finalized) != 1 || runner.sentCount() != 9 {
		t.Fatalf("report=%+v sent=%d", rep, runner.sentCount())
	}

	cur, _ = f.store.GetSession(ctx, "due")
	if cur.Status != domain.SessionPassed {
		t.Fatalf("status=%s reason=%q", cur.Status, cur.FailureReason)
	}
	agent, err := f.store.GetVerifiedAgent(ctx, sess.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.ConsecutiveDaysOnline != 3 || agent.TrustTier != domain.TierAutonomous1 {
		t.Fatalf("agent days=%d tier=%s", agent.ConsecutiveDaysOnline, agent.TrustTier)
	}

	// Терминальная сессия больше не обрабатывается
	rep, _ = f.v.ProcessDueChallenges(ctx)
	if rep.Sessions != 0 || runner.sentCount() != 9 {
		t.Fatalf("terminal session processed again: %+v", rep)
	}
}

func TestProcessDueChallenges_WindowElapsedSkipsPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending := repeat(domain.ChallengePending, 3)
	sess := buildSession("late", domain.ModeScheduled, pending, pending, pending)
	_ = f.store.CreateSession(ctx, sess)

	f.clock.set(sess.EndsAt.Add(time.Minute))
	rep, err := f.v.ProcessDueChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Finalized) != 1 || rep.Dispatched != 0 {
		t.Fatalf("report = %+v", rep)
	}

	cur, _ := f.store.GetSession(ctx, "late")
	if cur.Status != domain.SessionFailed || !strings.Contains(cur.FailureReason, "attempt rate 0%") {
		t.Fatalf("status=%s reason=%q", cur.Status, cur.FailureReason)
	}
	for _, ch := range cur.AllChallenges() {
		if ch.Status != domain.ChallengeSkipped || ch.FailureReason != ReasonWindowElapsed {
			t.Fatalf("challenge %s = %s (%s)", ch.ID, ch.Status, ch.FailureReason)
		}
	}
}

type busyLocker struct{}

func (busyLocker) TryLock(context.Context, string) (func(), bool, error) { return nil, false, nil }

func TestProcessDueChallenges_AgentLockedElsewhere(t *testing.T) {
	f := newFixture(t, nil)
	f.v.d.Locker = busyLocker{}
	ctx := context.Background()

	sess := buildSession("busy", domain.ModeScheduled, repeat(domain.ChallengePending, 3))
	_ = f.store.CreateSession(ctx, sess)
	f.clock.set(t0.Add(3 * time.Hour))

	rep, err := f.v.ProcessDueChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Busy != 1 || rep.Dispatched != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := f.v.RunSessionNow(ctx, "busy"); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("err = %v, want ErrAgentBusy", err)
	}
}

type acceptAll struct{}

func (acceptAll) Validate(string, string, string) validator.Result { return validator.Result{Valid: true} }
func (acceptAll) Extract(_, text string) map[string]any {
	return map[string]any{"word_count": len(strings.Fields(text))}
}

func TestRunSessionNow_AcceleratedOverWebhook(t *testing.T) {
	var hits sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.Header.Get("X-Challenge-ID"), r.Header.Get("X-Verification-Type"))
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "Step by step, the answer is 42."})
	}))
	defer srv.Close()

	p := dispatch.DefaultParams()
	p.BurstPause = 5 * time.Millisecond
	p.BurstTimeout = 5 * time.Second
	d := dispatch.New(srv.Client(), acceptAll{}, p, nil, zaptest.NewLogger(t))

	f := newFixture(t, d)
	ctx := context.Background()
	sess, err := f.v.StartSession(ctx, StartRequest{AgentID: "fast", WebhookURL: srv.URL, ClaimedModel: "gpt", Accelerated: true})
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.v.RunSessionNow(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionPassed {
		t.Fatalf("status=%s reason=%q", got.Status, got.FailureReason)
	}
	n := 0
	hits.Range(func(_, v any) bool {
		if v != dispatch.TypeVerification {
			t.Errorf("verification type header = %v", v)
		}
		n++
		return true
	})
	if n != len(sess.AllChallenges()) {
		t.Fatalf("webhook hits = %d, want %d", n, len(sess.AllChallenges()))
	}
	for _, ch := range got.AllChallenges() {
		if ch.Extracted["word_count"] == nil {
			t.Fatalf("challenge %s has no extracted fields", ch.ID)
		}
	}

	status, err := f.v.AgentStatus(ctx, "fast")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Verified || status.Agent.TrustTier != domain.TierSpawn || status.ActiveSession != nil {
		t.Fatalf("status = %+v", status)
	}
}

func TestTrailingOnlineDays(t *testing.T) {
	ok := []domain.ChallengeStatus{domain.ChallengePassed, domain.ChallengeSkipped}
	bad := []domain.ChallengeStatus{domain.ChallengeSkipped, domain.ChallengeSkipped}

	if n := TrailingOnlineDays(buildSession("t1", domain.ModeScheduled, ok, ok, ok), 1); n != 3 {
		t.Fatalf("all online = %d, want 3", n)
	}
	if n := TrailingOnlineDays(buildSession("t2", domain.ModeScheduled, ok, bad, ok), 1); n != 1 {
		t.Fatalf("broken streak = %d, want 1", n)
	}
}

// gatedRunner держит первый прогон до закрытия release
type gatedRunner struct {
	*scriptedRunner
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRunner) RunBursts(ctx context.Context, url, id string, bursts [][]*domain.Challenge) (dispatch.BurstResult, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.release
	}
	return r.scriptedRunner.RunBursts(ctx, url, id, bursts)
}

func TestRunSessionNow_ConcurrentTickDoesNotResend(t *testing.T) {
	runner := &gatedRunner{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, runner)
	runner.scriptedRunner = &scriptedRunner{now: f.clock.now}
	ctx := context.Background()

	sess := buildSession("race", domain.ModeScheduled, repeat(domain.ChallengePending, 5), repeat(domain.ChallengePending, 5))
	if err := f.store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	f.clock.set(t0.Add(30 * time.Hour))

	done := make(chan error, 1)
	go func() {
		_, err := f.v.RunSessionNow(ctx, "race")
		done <- err
	}()
	<-runner.entered

	rep, err := f.v.ProcessDueChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Busy != 1 || rep.Dispatched != 0 {
		t.Fatalf("tick during run: report = %+v, want busy", rep)
	}
	close(runner.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// Второй проход после завершения ничего не переотправляет
	if _, err := f.v.ProcessDueChallenges(ctx); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool)
	runner.scriptedRunner.mu.Lock()
	defer runner.scriptedRunner.mu.Unlock()
	for _, id := range runner.scriptedRunner.sent {
		if seen[id] {
			t.Fatalf("challenge %s dispatched twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 10 {
		t.Fatalf("sent %d distinct challenges, want 10", len(seen))
	}
}

func TestRunSessionNow_ReverificationKeepsPermanentTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	seed := &domain.VerifiedAgent{AgentID: "veteran", TrustTier: domain.TierAutonomous3, CurrentDayStart: t0}
	for i := 0; i < 9; i++ {
		seed.SpotCheckHistory = append(seed.SpotCheckHistory, domain.SpotCheckResult{At: t0.Add(-time.Hour), Passed: false})
	}
	if err := f.store.PutVerifiedAgent(ctx, seed); err != nil {
		t.Fatal(err)
	}

	sess, err := f.v.StartSession(ctx, StartRequest{AgentID: "veteran", WebhookURL: "http://agent.test/hook", Accelerated: true})
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.v.RunSessionNow(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionPassed {
		t.Fatalf("status=%s reason=%q", got.Status, got.FailureReason)
	}

	a, err := f.store.GetVerifiedAgent(ctx, "veteran")
	if err != nil {
		t.Fatal(err)
	}
	if a.TrustTier != domain.TierAutonomous3 {
		t.Fatalf("tier = %s, want autonomous-3 kept", a.TrustTier)
	}
	if len(a.SpotCheckHistory) != 9 {
		t.Fatalf("spot check history = %d, want 9 kept", len(a.SpotCheckHistory))
	}
}

type sessionSource struct {
	sess *domain.VerificationSession
}

func (s sessionSource) LoadSession(_ context.Context, id string) (*domain.VerificationSession, error) {
	if s.sess == nil || s.sess.ID != id {
		return nil, domain.ErrSessionNotFound
	}
	return s.sess.Clone(), nil
}

func TestProcessDueChallenges_UsesNewerDurableCopy(t *testing.T) {
	runner := &scriptedRunner{}
	f := newFixture(t, runner)
	runner.now = f.clock.now
	ctx := context.Background()

	local := buildSession("shared", domain.ModeScheduled, repeat(domain.ChallengePending, 3), repeat(domain.ChallengePending, 3))
	if err := f.store.CreateSession(ctx, local); err != nil {
		t.Fatal(err)
	}

	// Другой инстанс уже отправил первый день и записал версию 2
	remote := local.Clone()
	for _, ch := range remote.Days[0].Challenges {
		sent := t0.Add(2 * time.Hour)
		ch.SentAt, ch.ResponseTimeMs, ch.Response = &sent, 900, "answered elsewhere"
		_ = ch.Resolve(domain.ChallengePassed, "")
	}
	remote.Version = 2
	f.v.d.Sessions = sessionSource{sess: remote}

	f.clock.set(t0.Add(3 * time.Hour))
	rep, err := f.v.ProcessDueChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Dispatched != 0 || runner.sentCount() != 0 {
		t.Fatalf("resent challenges already answered elsewhere: report=%+v sent=%d", rep, runner.sentCount())
	}
	got, _ := f.store.GetSession(ctx, "shared")
	if got.Version != 2 || got.Stats().Passed != 3 {
		t.Fatalf("local copy = version %d, %+v", got.Version, got.Stats())
	}
}
