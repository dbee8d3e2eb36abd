package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/audit"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/tier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Исход финализации (лейбл метрики и статус события журнала)
const (
	OutcomePassed       = "passed"
	OutcomeAttemptRate  = "attempt_rate"
	OutcomeDailyMinimum = "daily_minimum"
	OutcomePassRate     = "pass_rate"
	OutcomeAutonomy     = "autonomy"
)

// GateResult - решение по сессии
type GateResult struct {
	Passed      bool
	Outcome     string
	Reason      string
	AttemptRate float64
	PassRate    float64
}

// EvaluateGates применяет гейты по порядку до первого отказа.
// В ускоренном режиме per-day и autonomy гейты не применяются.
func (v *Verifier) EvaluateGates(sess *domain.VerificationSession, analysis domain.AutonomyAnalysis) GateResult {
	st := sess.Stats()
	var res GateResult
	if st.Total > 0 {
		res.AttemptRate = float64(st.Attempted) / float64(st.Total)
	}
	if st.Attempted > 0 {
		res.PassRate = float64(st.Passed) / float64(st.Attempted)
	}

	// 1. Attempt rate
	if res.AttemptRate < v.p.MinAttemptRate {
		res.Outcome = OutcomeAttemptRate
		res.Reason = fmt.Sprintf("attempt rate %.0f%% is below required %.0f%% (%d of %d challenges answered)",
			res.AttemptRate*100, v.p.MinAttemptRate*100, st.Attempted, st.Total)
		return res
	}

	// 2. Минимум пройденных в каждый день
	if !sess.Accelerated() {
		for _, day := range sess.Days {
			passed := 0
			for _, ch := range day.Challenges {
				if ch.Status == domain.ChallengePassed {
					passed++
				}
			}
			if passed < v.p.MinPassesPerDay {
				res.Outcome = OutcomeDailyMinimum
				res.Reason = fmt.Sprintf("day %d (%s): %d passed challenges, at least %d required",
					day.Day+1, day.Date.Format("2006-01-02"), passed, v.p.MinPassesPerDay)
				return res
			}
		}
	}

	// 3. Pass rate
	if res.PassRate < v.p.PassRateRequired {
		res.Outcome = OutcomePassRate
		res.Reason = fmt.Sprintf("pass rate %.0f%% is below required %.0f%% (%d of %d attempted challenges passed)",
			res.PassRate*100, v.p.PassRateRequired*100, st.Passed, st.Attempted)
		return res
	}

	// 4. Autonomy
	if !sess.Accelerated() && analysis.Verdict == domain.VerdictLikelyHumanDirected {
		res.Outcome = OutcomeAutonomy
		res.Reason = fmt.Sprintf("autonomy score %.1f indicates human-directed operation", analysis.Score)
		if len(analysis.Reasons) > 0 {
			res.Reason += ": " + strings.Join(analysis.Reasons, "; ")
		}
		return res
	}

	res.Passed, res.Outcome = true, OutcomePassed
	return res
}

// Finalize переводит сессию в passed/failed ровно один раз.
// На успехе агент получает запись VerifiedAgent и статус во внешних системах.
func (v *Verifier) Finalize(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	var gate GateResult
	sess, err := v.d.Store.UpdateSession(ctx, sessionID, func(s *domain.VerificationSession) error {
		if s.IsTerminal() {
			return domain.ErrSessionTerminal
		}
		analysis := v.d.Analyzer.Analyze(s)
		s.Analysis = &analysis
		gate = v.EvaluateGates(s, analysis)

		next := domain.SessionFailed
		if gate.Passed {
			next = domain.SessionPassed
		}
		if err := s.CanTransitionTo(next); err != nil {
			return err
		}
		now := v.d.Now().UTC()
		s.Status, s.FailureReason, s.CompletedAt = next, gate.Reason, &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := v.logger.With(zap.String("agent_id", sess.AgentID), zap.String("session_id", sess.ID))
	st := sess.Stats()
	log.Info("verification session finalized",
		zap.String("status", string(sess.Status)),
		zap.String("outcome", gate.Outcome),
		zap.String("reason", gate.Reason),
		zap.Float64("attempt_rate", gate.AttemptRate),
		zap.Float64("pass_rate", gate.PassRate),
		zap.Float64("autonomy_score", sess.Analysis.Score),
	)
	if sess.Analysis.Verdict == domain.VerdictSuspicious {
		log.Warn("autonomy verdict is suspicious", zap.Strings("reasons", sess.Analysis.Reasons))
	}
	if v.d.Metrics != nil {
		v.d.Metrics.ObserveSession(gate.Outcome, sess.Analysis.Score)
	}
	v.record(audit.Event{
		Kind:      audit.KindSessionFinalized,
		AgentID:   sess.AgentID,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Error:     gate.Reason,
		Payload: map[string]any{
			"mode":             string(sess.Mode),
			"outcome":          gate.Outcome,
			"total":            st.Total,
			"passed":           st.Passed,
			"failed":           st.Failed,
			"skipped":          st.Skipped,
			"attempt_rate":     gate.AttemptRate,
			"pass_rate":        gate.PassRate,
			"autonomy_score":   sess.Analysis.Score,
			"autonomy_verdict": string(sess.Analysis.Verdict),
			"autonomy_reasons": sess.Analysis.Reasons,
		},
	})

	if gate.Passed {
		v.onVerified(ctx, sess)
	}
	return sess, nil
}

// onVerified - передача агента автомату тиров и внешним коллабораторам.
// Ошибки коллабораторов логируются и не откатывают верификацию.
func (v *Verifier) onVerified(ctx context.Context, sess *domain.VerificationSession) {
	log := v.logger.With(zap.String("agent_id", sess.AgentID), zap.String("session_id", sess.ID))

	// Границы суток в ускоренном прогоне ничего не значат
	days := 0
	if !sess.Accelerated() {
		days = TrailingOnlineDays(sess, v.p.SkipsAllowed)
	}
	agent, err := v.d.Tiers.Enroll(ctx, tier.EnrollRequest{
		AgentID:     sess.AgentID,
		WebhookURL:  sess.WebhookURL,
		InitialDays: days,
		CapAtSpawn:  sess.Accelerated(),
	})
	if err != nil {
		log.Error("failed to enroll verified agent", zap.Error(err))
		return
	}
	log.Info("AGENT VERIFIED", zap.String("tier", string(agent.TrustTier)), zap.Int("days", days))

	if v.d.Directory != nil {
		if err := v.d.Directory.UpdateAgentVerificationStatus(ctx, sess.AgentID, true, sess.WebhookURL); err != nil {
			log.Error("failed to mark agent verified in directory", zap.Error(err))
		}
	}
	if v.d.Notifier != nil {
		if err := v.d.Notifier.PublishVerification(ctx, sess.AgentID, true); err != nil {
			log.Warn("failed to publish verification signal", zap.Error(err))
		}
	}

	var (
		samples []domain.FingerprintSample
		texts   []string
	)
	for _, ch := range sess.AllChallenges() {
		if ch.Status != domain.ChallengePassed {
			continue
		}
		samples = append(samples, domain.FingerprintSample{ChallengeType: ch.Category, Prompt: ch.Prompt, Response: ch.Response})
		texts = append(texts, ch.Response)
	}

	// Отпечаток и детекция модели независимы, идут параллельно
	var g errgroup.Group
	if v.d.Fingerprinter != nil {
		g.Go(func() error {
			if err := v.d.Fingerprinter.GenerateFingerprint(ctx, sess.AgentID, samples); err != nil {
				log.Error("failed to generate fingerprint", zap.Error(err))
			}
			return nil
		})
	}
	if v.d.ModelDetector != nil {
		g.Go(func() error {
			v.detectModel(ctx, sess, texts, log)
			return nil
		})
	}
	_ = g.Wait()
}

func (v *Verifier) detectModel(ctx context.Context, sess *domain.VerificationSession, texts []string, log *zap.Logger) {
	m, err := v.d.ModelDetector.DetectModel(ctx, texts, sess.ClaimedModel)
	if err != nil {
		log.Error("model detection failed", zap.Error(err))
		return
	}
	log.Info("model detected",
		zap.String("model", m.Model),
		zap.Float64("confidence", m.Confidence),
		zap.Bool("matched", m.Matched),
	)
	v.record(audit.Event{
		Kind:      audit.KindModelDetection,
		AgentID:   sess.AgentID,
		SessionID: sess.ID,
		Status:    m.Model,
		Payload: map[string]any{
			"claimed_model": sess.ClaimedModel,
			"model":         m.Model,
			"confidence":    m.Confidence,
			"matched":       m.Matched,
			"samples":       len(texts),
		},
	})
	if v.d.Directory != nil {
		if err := v.d.Directory.UpdateAgentDetectedModel(ctx, sess.AgentID, m); err != nil {
			log.Error("failed to store detected model in directory", zap.Error(err))
		}
	}
}

// TrailingOnlineDays - сколько последних дней окна подряд уложились в допуск пропусков
// (skips <= skipsAllowed). Считается серия с конца окна, а не общее число таких дней:
// стартовое значение продолжает ту же "серию онлайн", что ведет автомат тиров,
// и день с превышением допуска обнуляет ее так же, как на живом трафике.
func TrailingOnlineDays(sess *domain.VerificationSession, skipsAllowed int) int {
	n := 0
	for i := len(sess.Days) - 1; i >= 0; i-- {
		skips := 0
		for _, ch := range sess.Days[i].Challenges {
			if ch.Status == domain.ChallengeSkipped {
				skips++
			}
		}
		if skips > skipsAllowed {
			break
		}
		n++
	}
	return n
}
