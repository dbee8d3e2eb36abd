package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BurstResult - сводка по одному всплеску
type BurstResult struct {
	Passed   int
	Failed   int
	Skipped  int
	TimedOut bool
}

// RunBurst отправляет все pending-члены всплеска одновременно и гонит их против BurstTimeout.
// Все, что не успело ответить к истечению всплеска, получает failed с причиной burst timeout.
func (d *Dispatcher) RunBurst(ctx context.Context, webhookURL, sessionID string, burst []*domain.Challenge) BurstResult {
	burstCtx, cancel := context.WithTimeout(ctx, d.p.BurstTimeout)
	defer cancel()

	outcomes := make([]Outcome, len(burst))
	var g errgroup.Group
	for i, ch := range burst {
		if ch.IsTerminal() {
			continue
		}
		g.Go(func() error {
			outcomes[i] = d.Send(burstCtx, webhookURL, ch, RequestMeta{Type: TypeVerification, SessionID: sessionID})
			return nil
		})
	}
	_ = g.Wait()

	var res BurstResult
	burstExpired := errors.Is(burstCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	for i, ch := range burst {
		if ch.IsTerminal() {
			continue
		}
		o := outcomes[i]
		if o.Aborted {
			if burstExpired {
				o.Status, o.Reason = domain.ChallengeFailed, ReasonBurstTimeout
				res.TimedOut = true
			} else {
				// Остановка сервиса: запрос ушел, повторно не отправляем
				o.Status, o.Reason = domain.ChallengeSkipped, ReasonCancelled
			}
		}
		if err := Apply(ch, o); err != nil {
			d.logger.Warn("challenge already resolved", zap.String("challenge_id", ch.ID), zap.Error(err))
			continue
		}

		d.recorder.ObserveChallenge(TypeVerification, ch.Status, time.Duration(ch.ResponseTimeMs)*time.Millisecond)
		switch ch.Status {
		case domain.ChallengePassed:
			res.Passed++
		case domain.ChallengeFailed:
			res.Failed++
		case domain.ChallengeSkipped:
			res.Skipped++
		}
	}

	if res.TimedOut {
		d.recorder.ObserveBurstTimeout(TypeVerification)
		d.logger.Info("burst timed out",
			zap.String("session_id", sessionID),
			zap.Int("size", len(burst)),
			zap.Int("failed", res.Failed),
		)
	}
	return res
}

// RunBursts гоняет всплески последовательно с паузой между ними (ускоренный режим).
func (d *Dispatcher) RunBursts(ctx context.Context, webhookURL, sessionID string, bursts [][]*domain.Challenge) (BurstResult, error) {
	var total BurstResult
	for i, burst := range bursts {
		if i > 0 && d.p.BurstPause > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(d.p.BurstPause):
			}
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		r := d.RunBurst(ctx, webhookURL, sessionID, burst)
		total.Passed += r.Passed
		total.Failed += r.Failed
		total.Skipped += r.Skipped
		total.TimedOut = total.TimedOut || r.TimedOut
	}
	return total, nil
}

// GroupBursts собирает pending-челленджи в всплески по совпадающему времени.
// Порядок всплесков - по времени, порядок внутри - как во входе.
func GroupBursts(challenges []*domain.Challenge) [][]*domain.Challenge {
	index := make(map[time.Time]int)
	var bursts [][]*domain.Challenge
	var times []time.Time
	for _, ch := range challenges {
		if ch.IsTerminal() {
			continue
		}
		key := ch.ScheduledFor.UTC()
		i, ok := index[key]
		if !ok {
			i = len(bursts)
			index[key] = i
			bursts = append(bursts, nil)
			times = append(times, key)
		}
		bursts[i] = append(bursts[i], ch)
	}

	order := make([]int, len(bursts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return times[order[a]].Before(times[order[b]]) })

	out := make([][]*domain.Challenge, 0, len(bursts))
	for _, i := range order {
		out = append(out, bursts[i])
	}
	return out
}

// Chunk режет pending-челленджи на последовательные всплески по size.
func Chunk(challenges []*domain.Challenge, size int) [][]*domain.Challenge {
	if size <= 0 {
		size = 1
	}
	var out [][]*domain.Challenge
	var cur []*domain.Challenge
	for _, ch := range challenges {
		if ch.IsTerminal() {
			continue
		}
		cur = append(cur, ch)
		if len(cur) == size {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
