package autonomy

import (
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

// Имена сигналов
const (
	SignalVariance = "response_time_variance"
	SignalNight    = "night_performance"
	SignalOffline  = "offline_pattern"
	SignalUptime   = "uptime"
)

// Params - веса, пороги и "ночные" полосы анализатора
type Params struct {
	VarianceWeight float64
	NightWeight    float64
	OfflineWeight  float64
	UptimeWeight   float64

	AutonomousThreshold float64 // >= autonomous
	SuspiciousThreshold float64 // >= suspicious, иначе likely_human_directed
	ReasonThreshold     float64 // Сигналы ниже попадают в Reasons

	MaxCV            float64 // Порог коэффициента вариации
	MinTimingSamples int
	MinSkipsForTrend int // Меньше пропусков - слишком мало для корреляции

	SleepStartHour int // Полоса "типичного сна", UTC, [start, end)
	SleepEndHour   int
}

func DefaultParams() Params {
	return Params{
		VarianceWeight:      0.25,
		NightWeight:         0.35,
		OfflineWeight:       0.20,
		UptimeWeight:        0.20,
		AutonomousThreshold: 75,
		SuspiciousThreshold: 50,
		ReasonThreshold:     60,
		MaxCV:               1.5,
		MinTimingSamples:    3,
		MinSkipsForTrend:    3,
		SleepStartHour:      0,
		SleepEndHour:        8,
	}
}

// Analyzer - пост-фактум оценка того, отвечал ли агент без человека в контуре.
// Чистая функция от истории челленджей: ничего не пишет и не блокирует.
type Analyzer struct {
	p      Params
	logger *zap.Logger
}

func NewAnalyzer(p Params, logger *zap.Logger) *Analyzer {
	return &Analyzer{p: p, logger: logger.Named("autonomy")}
}

// Analyze считает четыре сигнала и итоговый вердикт по всем челленджам сессии.
func (a *Analyzer) Analyze(s *domain.VerificationSession) domain.AutonomyAnalysis {
	challenges := s.AllChallenges()

	signals := []domain.AutonomySignal{
		a.variance(challenges),
		a.night(challenges),
		a.offline(challenges),
		a.uptime(challenges),
	}

	var total float64
	var reasons []string
	for _, sig := range signals {
		total += sig.Score * sig.Weight
		if sig.Score < a.p.ReasonThreshold {
			reasons = append(reasons, fmt.Sprintf("%s: %s (score %.0f)", sig.Name, sig.Detail, sig.Score))
		}
	}
	total = math.Round(total*10) / 10

	verdict := domain.VerdictLikelyHumanDirected
	switch {
	case total >= a.p.AutonomousThreshold:
		verdict = domain.VerdictAutonomous
	case total >= a.p.SuspiciousThreshold:
		verdict = domain.VerdictSuspicious
	}

	if verdict != domain.VerdictAutonomous {
		a.logger.Info("autonomy below threshold",
			zap.String("session_id", s.ID),
			zap.String("agent_id", s.AgentID),
			zap.Float64("score", total),
			zap.String("verdict", string(verdict)),
			zap.Strings("reasons", reasons),
		)
	}

	return domain.AutonomyAnalysis{
		Score:   total,
		Verdict: verdict,
		Signals: signals,
		Reasons: reasons,
	}
}

// variance: нестабильное время ответа выдает ручную пересылку
func (a *Analyzer) variance(cs []*domain.Challenge) domain.AutonomySignal {
	sig := domain.AutonomySignal{Name: SignalVariance, Weight: a.p.VarianceWeight}

	var samples []float64
	for _, c := range cs {
		if c.Status == domain.ChallengePassed {
			samples = append(samples, float64(c.ResponseTimeMs))
		}
	}
	if len(samples) < a.p.MinTimingSamples {
		sig.Score, sig.Detail = 70, fmt.Sprintf("insufficient timing data (%d samples)", len(samples))
		return sig
	}

	cv := coefficientOfVariation(samples)
	switch {
	case cv <= 0.5:
		sig.Score = 100
	case cv <= 1.0:
		sig.Score = 75
	case cv <= a.p.MaxCV:
		sig.Score = 50
	default:
		sig.Score = 20
	}
	sig.Detail = fmt.Sprintf("response time CV %.2f over %d samples", cv, len(samples))
	return sig
}

// night: самый тяжелый сигнал, оператор ночью спит
func (a *Analyzer) night(cs []*domain.Challenge) domain.AutonomySignal {
	sig := domain.AutonomySignal{Name: SignalNight, Weight: a.p.NightWeight}

	var total, attempted, passed int
	for _, c := range cs {
		if !c.IsNightChallenge {
			continue
		}
		total++
		if c.Attempted() {
			attempted++
		}
		if c.Status == domain.ChallengePassed {
			passed++
		}
	}
	if total == 0 {
		sig.Score, sig.Detail = 50, "no night challenges"
		return sig
	}

	responseRate := float64(attempted) / float64(total)
	var passRate float64
	if attempted > 0 {
		passRate = float64(passed) / float64(attempted)
	}
	sig.Score = math.Round(100 * (0.6*responseRate + 0.4*passRate))
	sig.Detail = fmt.Sprintf("answered %d/%d night challenges, passed %d", attempted, total, passed)
	return sig
}

// offline: пропуски, сгруппированные в часах сна, - систематическая недоступность
func (a *Analyzer) offline(cs []*domain.Challenge) domain.AutonomySignal {
	sig := domain.AutonomySignal{Name: SignalOffline, Weight: a.p.OfflineWeight}

	var skipped, inSleep int
	for _, c := range cs {
		if c.Status != domain.ChallengeSkipped {
			continue
		}
		skipped++
		at := c.ScheduledFor
		if c.SentAt != nil {
			at = *c.SentAt
		}
		if a.inSleepBand(at) {
			inSleep++
		}
	}
	if skipped == 0 {
		sig.Score, sig.Detail = 100, "no skipped challenges"
		return sig
	}

	score := 100 * (1 - float64(inSleep)/float64(skipped))
	if skipped < a.p.MinSkipsForTrend {
		score = math.Max(score, 60)
	}
	sig.Score = math.Round(score)
	sig.Detail = fmt.Sprintf("%d of %d skips fell in sleep hours", inSleep, skipped)
	return sig
}

func (a *Analyzer) uptime(cs []*domain.Challenge) domain.AutonomySignal {
	sig := domain.AutonomySignal{Name: SignalUptime, Weight: a.p.UptimeWeight}

	var total, attempted int
	for _, c := range cs {
		if !c.IsTerminal() {
			continue
		}
		total++
		if c.Attempted() {
			attempted++
		}
	}
	if total == 0 {
		sig.Detail = "no challenges sent"
		return sig
	}
	sig.Score = math.Round(100 * float64(attempted) / float64(total))
	sig.Detail = fmt.Sprintf("attempted %d/%d challenges", attempted, total)
	return sig
}

func (a *Analyzer) inSleepBand(t time.Time) bool {
	h := t.UTC().Hour()
	if a.p.SleepStartHour <= a.p.SleepEndHour {
		return h >= a.p.SleepStartHour && h < a.p.SleepEndHour
	}
	return h >= a.p.SleepStartHour || h < a.p.SleepEndHour
}

func coefficientOfVariation(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq/float64(len(xs))) / mean
}
