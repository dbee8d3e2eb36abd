package validator

import (
	"strings"
	"unicode"
)

const maxExtractedNumbers = 10

var reasoningMarkers = []string{
	"because", "therefore", "since", "thus", "hence", "so the", "which means",
	"step", "first", "then", "finally", "as a result", "implies", "=",
}

var hedgeMarkers = []string{
	"not sure", "i'm not aware", "i am not aware", "not aware of", "couldn't find", "could not find",
	"no record", "doesn't exist", "does not exist", "don't exist", "not familiar", "unable to verify",
	"can't verify", "cannot verify", "fictional", "may not exist", "might not exist", "not a real",
	"no information", "i don't have information", "unclear", "can't find", "cannot find", "not able to find",
}

// Features - признаки текста, считаются один раз на ответ
type Features struct {
	Words         int
	DistinctWords int
	Diversity     float64 // distinct / total
	AlphaRatio    float64 // буквы / непробельные символы
	Numbers       []string
	HasReasoning  bool
	Hedged        bool
	Lines         int
	Lower         string
}

// Analyze считает признаки текста.
func Analyze(text string) Features {
	f := Features{Lower: strings.ToLower(text)}

	var letters, visible int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		visible++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if visible > 0 {
		f.AlphaRatio = float64(letters) / float64(visible)
	}

	tokens := strings.FieldsFunc(f.Lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	distinct := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if isNumber(tok) {
			if len(f.Numbers) < maxExtractedNumbers {
				f.Numbers = append(f.Numbers, tok)
			}
		}
		distinct[tok] = struct{}{}
	}
	f.Words = len(tokens)
	f.DistinctWords = len(distinct)
	if f.Words > 0 {
		f.Diversity = float64(f.DistinctWords) / float64(f.Words)
	}

	f.HasReasoning = containsAny(f.Lower, reasoningMarkers)
	f.Hedged = containsAny(f.Lower, hedgeMarkers)

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			f.Lines++
		}
	}
	return f
}

func isNumber(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
