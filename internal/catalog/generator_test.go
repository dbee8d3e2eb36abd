package catalog

import (
	"math/rand/v2"
	"testing"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

func newTestGenerator(seed uint64) *Generator {
	return NewGenerator(DefaultTemplates(), rand.New(rand.NewPCG(seed, seed+1)))
}

func TestGenerateVerificationChallenges_UniqueIDsWithinCatalogSize(t *testing.T) {
	g := newTestGenerator(7)
	n := g.Size()

	got := g.GenerateVerificationChallenges(n)
	if len(got) != n {
		t.Fatalf("len = %d, want %d", len(got), n)
	}

	ids := make(map[string]bool)
	templates := make(map[string]bool)
	for _, c := range got {
		if ids[c.ID] {
			t.Fatalf("duplicate challenge id %s", c.ID)
		}
		ids[c.ID] = true
		if templates[c.TemplateID] {
			t.Fatalf("template %s repeated before pool was exhausted", c.TemplateID)
		}
		templates[c.TemplateID] = true
	}
}

func TestGenerateVerificationChallenges_CoversCategories(t *testing.T) {
	g := newTestGenerator(11)
	cats := g.categories()

	got := g.GenerateVerificationChallenges(len(cats))
	seen := make(map[string]bool)
	for _, c := range got {
		seen[c.Category] = true
	}
	for _, cat := range cats {
		if !seen[cat] {
			t.Errorf("category %q not covered", cat)
		}
	}
}

func TestGenerateVerificationChallenges_RepeatsOnlyAfterExhaustion(t *testing.T) {
	g := newTestGenerator(3)
	n := g.Size() + 10

	got := g.GenerateVerificationChallenges(n)
	if len(got) != n {
		t.Fatalf("len = %d, want %d", len(got), n)
	}

	ids := make(map[string]bool)
	for i, c := range got {
		if ids[c.ID] {
			t.Fatalf("duplicate id %s", c.ID)
		}
		ids[c.ID] = true
		if i > 0 && got[i-1].TemplateID == c.TemplateID {
			t.Errorf("template %s repeated back-to-back at %d", c.TemplateID, i)
		}
	}

	first := make(map[string]bool)
	for _, c := range got[:g.Size()] {
		first[c.TemplateID] = true
	}
	if len(first) != g.Size() {
		t.Errorf("distinct templates in first %d = %d", g.Size(), len(first))
	}
}

func TestGenerateVerificationChallenges_EmptyCount(t *testing.T) {
	g := newTestGenerator(1)
	if got := g.GenerateVerificationChallenges(0); got != nil {
		t.Errorf("expected nil for count 0, got %d items", len(got))
	}
}

func TestGenerate_SlotsResolved(t *testing.T) {
	g := newTestGenerator(5)
	for _, c := range g.GenerateVerificationChallenges(g.Size()) {
		for _, r := range c.Prompt {
			if r == '{' || r == '}' {
				// JSON-шаблон содержит кавычки, но не фигурные скобки
				t.Fatalf("unresolved slot in prompt %q", c.Prompt)
			}
		}
	}
}

func TestGenerateSpotCheckChallenge_Distribution(t *testing.T) {
	g := newTestGenerator(42)
	const runs = 4000

	var consistency, fingerprint int
	for i := 0; i < runs; i++ {
		c := g.GenerateSpotCheckChallenge()
		if c.ID == "" || c.Prompt == "" {
			t.Fatal("empty spot check challenge")
		}
		switch {
		case c.Category == domain.CategoryConsistency:
			consistency++
		case c.Fingerprinting:
			fingerprint++
		}
	}

	// 40% + доля consistency из равномерной части (4/27 * 30%)
	if share := float64(consistency) / runs; share < 0.38 || share > 0.52 {
		t.Errorf("consistency share = %.3f", share)
	}
	// 30% + доля fingerprint из равномерной части (6/27 * 30%)
	if share := float64(fingerprint) / runs; share < 0.30 || share > 0.43 {
		t.Errorf("fingerprint share = %.3f", share)
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	a := newTestGenerator(99).GenerateVerificationChallenges(12)
	b := newTestGenerator(99).GenerateVerificationChallenges(12)
	for i := range a {
		if a[i].TemplateID != b[i].TemplateID || a[i].Prompt != b[i].Prompt {
			t.Fatalf("selection differs at %d: %s vs %s", i, a[i].TemplateID, b[i].TemplateID)
		}
	}
}
