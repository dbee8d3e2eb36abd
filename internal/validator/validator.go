package validator

import (
	"strings"
	"sync"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// Result - итог структурной проверки ответа
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func ok() Result                  { return Result{Valid: true} }
func reject(reason string) Result { return Result{Valid: false, Reason: reason} }

// CheckFunc - категорийная проверка поверх базовых
type CheckFunc func(text string, f Features, expectedFormat string) Result

// ExtractFunc - категорийный экстрактор полей для durable store
type ExtractFunc func(text string, f Features, out map[string]any)

// Rule - возможности, зарегистрированные для категории
type Rule struct {
	Check   CheckFunc
	Extract ExtractFunc
}

// Params - пороги базовых проверок
type Params struct {
	MinChars         int
	MinDistinctWords int
	MinAlphaRatio    float64
	MinDiversity     float64
	DiversityMinSize int // Разнообразие проверяется начиная с этого числа слов
}

func DefaultParams() Params {
	return Params{
		MinChars:         20,
		MinDistinctWords: 5,
		MinAlphaRatio:    0.5,
		MinDiversity:     0.3,
		DiversityMinSize: 10,
	}
}

// Заведомые "не-ответы"
var denylist = map[string]struct{}{
	"ok": {}, "okay": {}, "yes": {}, "no": {}, "idk": {}, "i don't know": {}, "i dont know": {},
	"n/a": {}, "na": {}, "none": {}, "nothing": {}, "test": {}, "hello": {}, "hi": {},
	"sure": {}, "maybe": {}, "lol": {}, "k": {}, "thanks": {}, "thank you": {}, "no comment": {},
	"pass": {}, "skip": {}, "?": {}, "...": {},
}

// Validator - структурный гейт качества. Не проверяет правдивость содержимого.
// Категорийная логика - реестр category -> Rule вместо одного большого switch.
type Validator struct {
	p     Params
	mu    sync.RWMutex
	rules map[string]Rule
}

func New(p Params) *Validator {
	v := &Validator{p: p, rules: make(map[string]Rule)}
	v.Register(domain.CategoryReasoning, Rule{Check: checkReasoning})
	v.Register(domain.CategoryHallucination, Rule{Check: checkHallucination, Extract: extractHallucination})
	v.Register(domain.CategoryInstructionFollowing, Rule{Check: checkFormat, Extract: extractFormat})
	v.Register(domain.CategoryModelFingerprint, Rule{Extract: extractFingerprint})
	v.Register(domain.CategoryConsistency, Rule{Extract: extractFingerprint})
	return v
}

// Register добавляет или заменяет правило категории
func (v *Validator) Register(category string, r Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[category] = r
}

func (v *Validator) rule(category string) (Rule, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.rules[category]
	return r, ok
}

// Validate применяет базовые проверки и правило категории.
func (v *Validator) Validate(category, expectedFormat, text string) Result {
	trimmed := strings.TrimSpace(text)
	if _, bad := denylist[normalize(trimmed)]; bad {
		return reject("non-answer response")
	}
	if len([]rune(trimmed)) < v.p.MinChars {
		return reject("response too short")
	}

	f := Analyze(trimmed)
	if f.DistinctWords < v.p.MinDistinctWords {
		return reject("too few distinct words")
	}
	if f.AlphaRatio < v.p.MinAlphaRatio {
		return reject("response is mostly numbers or symbols")
	}
	if f.Words >= v.p.DiversityMinSize && f.Diversity < v.p.MinDiversity {
		return reject("response is repetitive")
	}

	if r, ok := v.rule(category); ok && r.Check != nil {
		return r.Check(trimmed, f, expectedFormat)
	}
	return ok()
}

// Extract возвращает разобранные поля ответа для сохранения вместе с ним.
func (v *Validator) Extract(category, text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	f := Analyze(trimmed)
	out := map[string]any{
		"word_count":     f.Words,
		"distinct_words": f.DistinctWords,
		"numbers":        f.Numbers,
		"hedged":         f.Hedged,
		"has_reasoning":  f.HasReasoning,
		"line_count":     f.Lines,
	}
	if r, ok := v.rule(category); ok && r.Extract != nil {
		r.Extract(trimmed, f, out)
	}
	return out
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!")
}
