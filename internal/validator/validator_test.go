package validator

import (
	"testing"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

func TestValidate_CoreChecks(t *testing.T) {
	v := New(DefaultParams())

	cases := []struct {
		name   string
		text   string
		valid  bool
		reason string
	}{
		{"denylisted", "OK.", false, "non-answer response"},
		{"denylisted idk", "  idk ", false, "non-answer response"},
		{"too short", "Fine answer here", false, "response too short"},
		{"few distinct words", "yes yes yes yes yes yes yes", false, "too few distinct words"},
		{"numeric spam", "12 34 56 78 90 11 22 33 44 55 66 77 88", false, "response is mostly numbers or symbols"},
		{"repetitive", "spam eggs ham toast jam spam eggs ham toast jam spam eggs ham toast jam spam eggs ham toast jam", false, "response is repetitive"},
		{"good", "Ice floats because it is less dense than liquid water due to its crystal lattice.", true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := v.Validate(domain.CategoryKnowledge, domain.FormatFreeText, tc.text)
			if got.Valid != tc.valid || got.Reason != tc.reason {
				t.Errorf("Validate(%q) = %+v, want valid=%v reason=%q", tc.text, got, tc.valid, tc.reason)
			}
		})
	}
}

func TestValidate_Reasoning(t *testing.T) {
	v := New(DefaultParams())

	bad := v.Validate(domain.CategoryReasoning, domain.FormatFreeText, "It travels quite a long distance over the whole trip today.")
	if bad.Valid {
		t.Fatal("reasoning answer without numbers or markers must be rejected")
	}

	good := v.Validate(domain.CategoryReasoning, domain.FormatFreeText, "It travels 80 km/h for 3 hours, so the distance is 240 km.")
	if !good.Valid {
		t.Fatalf("expected valid, got %+v", good)
	}
}

func TestValidate_Hallucination(t *testing.T) {
	v := New(DefaultParams())

	fabricated := "The town has a population of 12,400 people and its main industry is salmon fishing and timber export."
	if got := v.Validate(domain.CategoryHallucination, domain.FormatFreeText, fabricated); got.Valid {
		t.Fatalf("confident fabricated detail should fail, got %+v", got)
	}

	hedged := "I'm not aware of a town by that name; it may not exist, so I cannot give a population of 12,400 with confidence."
	if got := v.Validate(domain.CategoryHallucination, domain.FormatFreeText, hedged); !got.Valid {
		t.Fatalf("hedged answer should pass, got %+v", got)
	}
}

func TestValidate_InstructionFormats(t *testing.T) {
	v := New(DefaultParams())

	okJSON := "```json\n{\"topic\": \"Rust language\", \"summary\": \"A systems language focused on memory safety and speed\"}\n```"
	if got := v.Validate(domain.CategoryInstructionFollowing, domain.FormatJSON, okJSON); !got.Valid {
		t.Fatalf("valid JSON rejected: %+v", got)
	}
	if got := v.Validate(domain.CategoryInstructionFollowing, domain.FormatJSON, "topic is Rust and the summary is about memory safety"); got.Valid {
		t.Fatal("non-JSON answer accepted for JSON format")
	}

	list := "Write short sentences\nUse examples often\nKeep a glossary nearby"
	if got := v.Validate(domain.CategoryInstructionFollowing, domain.FormatList, list); !got.Valid {
		t.Fatalf("list rejected: %+v", got)
	}
}

func TestExtract(t *testing.T) {
	v := New(DefaultParams())

	out := v.Extract(domain.CategoryInstructionFollowing, `{"topic": "mars", "summary": "cold and dusty"}`)
	if out["json_valid"] != true {
		t.Errorf("json_valid = %v", out["json_valid"])
	}

	out = v.Extract(domain.CategoryModelFingerprint, "I'm a helpful model. My strengths:\n- **reasoning**\n- writing")
	if out["uses_markdown"] != true {
		t.Errorf("uses_markdown = %v", out["uses_markdown"])
	}
	if out["self_reference"] != true {
		t.Errorf("self_reference = %v", out["self_reference"])
	}
}

func TestRegister_OverridesCategory(t *testing.T) {
	v := New(DefaultParams())
	v.Register(domain.CategoryCreativity, Rule{Check: func(string, Features, string) Result {
		return reject("custom rule")
	}})
	got := v.Validate(domain.CategoryCreativity, domain.FormatFreeText, "A retired astronaut found a hidden door in her garden shed.")
	if got.Valid || got.Reason != "custom rule" {
		t.Fatalf("got %+v", got)
	}
}
