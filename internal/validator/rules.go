package validator

import (
	"encoding/json"
	"strings"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// Минимальный объем "уверенной" детализации, после которого отсутствие оговорок считается выдумкой
const fabricatedDetailWords = 40

var refusalMarkers = []string{"i can't help", "i cannot help", "i won't", "i will not", "not able to help", "i'd decline", "i would decline", "i can't assist", "i cannot assist"}

func checkReasoning(_ string, f Features, _ string) Result {
	if len(f.Numbers) == 0 && !f.HasReasoning {
		return reject("reasoning response shows neither numbers nor reasoning steps")
	}
	return ok()
}

// checkHallucination: вопрос о несуществующей сущности. Уверенные детали без оговорок - провал.
func checkHallucination(_ string, f Features, _ string) Result {
	if f.Hedged {
		return ok()
	}
	if len(f.Numbers) > 0 || f.Words >= fabricatedDetailWords {
		return reject("confident fabricated detail without hedging")
	}
	return ok()
}

func checkFormat(text string, f Features, expectedFormat string) Result {
	switch expectedFormat {
	case domain.FormatJSON:
		if _, valid := parseJSONObject(text); !valid {
			return reject("expected a JSON object")
		}
	case domain.FormatList:
		if f.Lines < 2 {
			return reject("expected one item per line")
		}
	}
	return ok()
}

func extractHallucination(_ string, f Features, out map[string]any) {
	out["fabricated_detail"] = !f.Hedged && (len(f.Numbers) > 0 || f.Words >= fabricatedDetailWords)
}

func extractFormat(text string, _ Features, out map[string]any) {
	obj, valid := parseJSONObject(text)
	out["json_valid"] = valid
	if valid {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		out["json_keys"] = keys
	}
}

func extractFingerprint(text string, f Features, out map[string]any) {
	out["uses_markdown"] = strings.Contains(text, "**") || strings.Contains(text, "\n- ") ||
		strings.HasPrefix(text, "#") || strings.Contains(text, "\n#")
	out["self_reference"] = strings.HasPrefix(f.Lower, "i ") || strings.Contains(f.Lower, " i ") ||
		strings.Contains(f.Lower, "i'm") || strings.Contains(f.Lower, " my ")
	out["refused"] = containsAny(f.Lower, refusalMarkers)
}

// parseJSONObject допускает обертку в markdown-блок кода
func parseJSONObject(text string) (map[string]any, bool) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}
