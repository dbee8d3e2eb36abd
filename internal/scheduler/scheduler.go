package scheduler

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

const day = 24 * time.Hour

// Params - параметры окна верификации и анти-гейминг гарантий
type Params struct {
	Days               int
	MinPerDay          int
	MaxPerDay          int
	BurstSize          int
	MinNightChallenges int
	NightStartHour     int // UTC, включительно
	NightEndHour       int // UTC, не включительно
}

// DefaultParams - значения по умолчанию, совпадают с дефолтами конфига
func DefaultParams() Params {
	return Params{
		Days:               3,
		MinPerDay:          3,
		MaxPerDay:          5,
		BurstSize:          3,
		MinNightChallenges: 2,
		NightStartHour:     1,
		NightEndHour:       6,
	}
}

// Scheduler разбивает челленджи сессии на burst-ы во времени.
type Scheduler struct {
	p   Params
	mu  sync.Mutex
	rng *rand.Rand
}

func New(p Params, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if p.BurstSize <= 0 {
		p.BurstSize = 1
	}
	if p.Days <= 0 {
		p.Days = 1
	}
	return &Scheduler{p: p, rng: rng}
}

func (s *Scheduler) Params() Params {
	return s.p
}

// TotalChallenges выбирает общее количество равномерно из [D*min, D*max].
func (s *Scheduler) TotalChallenges() int {
	lo := s.p.Days * s.p.MinPerDay
	hi := s.p.Days * s.p.MaxPerDay
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rng.IntN(hi-lo+1)
}

// NumBursts = ceil(total / BurstSize)
func (s *Scheduler) NumBursts(total int) int {
	return (total + s.p.BurstSize - 1) / s.p.BurstSize
}

// IsNight - попадает ли момент в ночную полосу (UTC)
func (s *Scheduler) IsNight(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= s.p.NightStartHour && h < s.p.NightEndHour
}

// Plan строит расписание burst-ов и раскладывает челленджи по дням окна.
// Возвращает ровно Days корзин; день i - это интервал [start+i*24h, start+(i+1)*24h).
func (s *Scheduler) Plan(start time.Time, generated []domain.GeneratedChallenge) []domain.DailyChallenge {
	start = start.UTC()
	end := start.Add(time.Duration(s.p.Days) * day)

	days := make([]domain.DailyChallenge, s.p.Days)
	for i := range days {
		days[i] = domain.DailyChallenge{Day: i, Date: start.Add(time.Duration(i) * day)}
	}
	if len(generated) == 0 {
		return days
	}

	numBursts := s.NumBursts(len(generated))
	nightSlots := s.p.MinNightChallenges
	if nightSlots > s.p.Days {
		nightSlots = s.p.Days
	}
	if nightSlots > numBursts {
		nightSlots = numBursts
	}

	s.mu.Lock()
	times := make([]time.Time, 0, numBursts)
	// 1. Резервируем ночные слоты: по одному в каждый из первых nightSlots дней.
	// Оператор-человек, который спит в этой полосе, их пропустит.
	for i := 0; i < nightSlots; i++ {
		dayStart := start.Add(time.Duration(i) * day)
		times = append(times, s.nightSlot(dayStart, dayStart.Add(day)))
	}
	// 2. Каждый день без ночного слота получает хотя бы один burst
	for i := nightSlots; i < s.p.Days && len(times) < numBursts; i++ {
		dayStart := start.Add(time.Duration(i) * day)
		times = append(times, dayStart.Add(time.Duration(s.rng.Int64N(int64(day)))))
	}
	// 3. Остальные burst-ы равномерно по всему окну
	window := end.Sub(start)
	for len(times) < numBursts {
		times = append(times, start.Add(time.Duration(s.rng.Int64N(int64(window)))))
	}
	s.mu.Unlock()

	// 4. Сортируем; совпадающие моменты разводим, чтобы burst не превысил BurstSize
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			times[i] = times[i-1].Add(time.Second)
		}
	}

	for i, g := range generated {
		at := times[i/s.p.BurstSize]
		c := domain.NewChallenge(g, at, s.IsNight(at))
		idx := int(at.Sub(start) / day)
		if idx >= len(days) {
			idx = len(days) - 1
		}
		days[idx].Challenges = append(days[idx].Challenges, c)
	}
	return days
}

// nightSlot выбирает случайный момент внутри ночной полосы, максимально
// пересекающейся с интервалом [from, to). Вызывается под s.mu.
func (s *Scheduler) nightSlot(from, to time.Time) time.Time {
	date := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)

	var bestFrom, bestTo time.Time
	for _, d := range []time.Time{date, date.Add(day)} {
		bandFrom := d.Add(time.Duration(s.p.NightStartHour) * time.Hour)
		bandTo := d.Add(time.Duration(s.p.NightEndHour) * time.Hour)
		lo, hi := maxTime(bandFrom, from), minTime(bandTo, to)
		if hi.Sub(lo) > bestTo.Sub(bestFrom) {
			bestFrom, bestTo = lo, hi
		}
	}
	if !bestTo.After(bestFrom) {
		// Полоса шире окна дня не бывает, но на случай кривого конфига
		return from.Add(time.Duration(s.rng.Int64N(int64(to.Sub(from)))))
	}
	return bestFrom.Add(time.Duration(s.rng.Int64N(int64(bestTo.Sub(bestFrom)))))
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
