package catalog

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

const (
	fingerprintWeight = 2
	defaultWeight     = 1

	spotCheckConsistencyShare = 0.4
	spotCheckFingerprintShare = 0.3
)

// Generator создает уникальные экземпляры челленджей из пула шаблонов.
// Источник случайности инжектируется, чтобы выборка была детерминированной в тестах.
type Generator struct {
	mu        sync.Mutex // rand.Rand не потокобезопасен
	rng       *rand.Rand
	templates []domain.ChallengeTemplate
}

func NewGenerator(templates []domain.ChallengeTemplate, rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Generator{rng: rng, templates: templates}
}

// Size - количество различных шаблонов в пуле
func (g *Generator) Size() int {
	return len(g.templates)
}

// GenerateVerificationChallenges возвращает count экземпляров:
//  1. по одному шаблону из каждой категории (покрытие таксономии);
//  2. взвешенная выборка без возвращения (fingerprinting весит больше);
//  3. когда пул исчерпан, повторы шаблонов (с новыми id), но не подряд.
func (g *Generator) GenerateVerificationChallenges(count int) []domain.GeneratedChallenge {
	if count <= 0 || len(g.templates) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := make([]int, len(g.templates))
	for i := range remaining {
		remaining[i] = i
	}
	picked := make([]int, 0, count)

	take := func(pos int) {
		picked = append(picked, remaining[pos])
		remaining = append(remaining[:pos], remaining[pos+1:]...)
	}

	// 1. Покрытие категорий в случайном порядке
	cats := g.categories()
	g.rng.Shuffle(len(cats), func(i, j int) { cats[i], cats[j] = cats[j], cats[i] })
	for _, cat := range cats {
		if len(picked) == count {
			break
		}
		var candidates []int
		for pos, idx := range remaining {
			if g.templates[idx].Category == cat {
				candidates = append(candidates, pos)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		take(candidates[g.rng.IntN(len(candidates))])
	}

	// 2. Взвешенная выборка без возвращения
	for len(picked) < count && len(remaining) > 0 {
		take(g.weightedPick(remaining))
	}

	// Порядок не должен выдавать структуру выборки
	g.rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })

	// 3. Пул исчерпан - повторы как крайняя мера
	for len(picked) < count {
		idx := g.rng.IntN(len(g.templates))
		if len(g.templates) > 1 && idx == picked[len(picked)-1] {
			continue
		}
		picked = append(picked, idx)
	}

	out := make([]domain.GeneratedChallenge, 0, count)
	for _, idx := range picked {
		out = append(out, g.instantiate(g.templates[idx]))
	}
	return out
}

// GenerateSpotCheckChallenge: 40% consistency, 30% fingerprinting, 30% равномерно по пулу.
func (g *Generator) GenerateSpotCheckChallenge() domain.GeneratedChallenge {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.rng.Float64()
	var pool []int
	switch {
	case r < spotCheckConsistencyShare:
		pool = g.indexes(func(t domain.ChallengeTemplate) bool { return t.Category == domain.CategoryConsistency })
	case r < spotCheckConsistencyShare+spotCheckFingerprintShare:
		pool = g.indexes(func(t domain.ChallengeTemplate) bool { return t.Fingerprinting })
	}
	if len(pool) == 0 {
		pool = g.indexes(func(domain.ChallengeTemplate) bool { return true })
	}
	return g.instantiate(g.templates[pool[g.rng.IntN(len(pool))]])
}

func (g *Generator) weightedPick(remaining []int) int {
	total := 0
	for _, idx := range remaining {
		total += weightOf(g.templates[idx])
	}
	n := g.rng.IntN(total)
	for pos, idx := range remaining {
		n -= weightOf(g.templates[idx])
		if n < 0 {
			return pos
		}
	}
	return len(remaining) - 1
}

func weightOf(t domain.ChallengeTemplate) int {
	if t.Fingerprinting {
		return fingerprintWeight
	}
	return defaultWeight
}

// categories - уникальные категории в порядке появления в пуле
func (g *Generator) categories() []string {
	seen := make(map[string]struct{})
	var cats []string
	for _, t := range g.templates {
		if _, ok := seen[t.Category]; ok {
			continue
		}
		seen[t.Category] = struct{}{}
		cats = append(cats, t.Category)
	}
	return cats
}

func (g *Generator) indexes(match func(domain.ChallengeTemplate) bool) []int {
	var out []int
	for i, t := range g.templates {
		if match(t) {
			out = append(out, i)
		}
	}
	return out
}

// instantiate подставляет значения слотов. Имена слотов сортируются,
// чтобы порядок обращений к rng не зависел от обхода map.
func (g *Generator) instantiate(t domain.ChallengeTemplate) domain.GeneratedChallenge {
	prompt := t.PromptPattern
	names := make([]string, 0, len(t.Slots))
	for name := range t.Slots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := t.Slots[name]
		if len(values) == 0 {
			continue
		}
		prompt = strings.ReplaceAll(prompt, "{"+name+"}", values[g.rng.IntN(len(values))])
	}

	return domain.GeneratedChallenge{
		ID:             uuid.New().String(),
		TemplateID:     t.ID,
		Category:       t.Category,
		Subcategory:    t.Subcategory,
		Prompt:         prompt,
		ExpectedFormat: t.ExpectedFormat,
		GroundTruth:    t.GroundTruth,
		Fingerprinting: t.Fingerprinting,
	}
}
