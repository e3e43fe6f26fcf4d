package ocr

import (
	"strings"
	"unicode"
)

// Direct text-layer output below either bound is judged weak and triggers the
// recognition fallback.
const (
	directWeakChars = 200
	directWeakWords = 15
)

// A recognition attempt at or above both bounds is strong enough to stop
// trying further parameter combinations for that page.
const (
	attemptStrongChars = 120
	attemptStrongWords = 18
)

// structureTokens is a small fixed vocabulary of document-structure terms;
// hits indicate the recognizer found real document content, not noise.
var structureTokens = []string{"invoice", "tax invoice", "trn", "total", "date", "invoice no", "inv no"}

// QualityScore ranks recognition attempts:
// word_count*1.0 + alpha_ratio*40.0 + token_hits*6.0.
func QualityScore(text string) float64 {
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)

	wordCount := len(strings.Fields(text))
	alphaChars := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			alphaChars++
		}
	}
	alphaRatio := 0.0
	if total := len([]rune(text)); total > 0 {
		alphaRatio = float64(alphaChars) / float64(total)
	}
	tokenHits := 0
	for _, tok := range structureTokens {
		if strings.Contains(lower, tok) {
			tokenHits++
		}
	}
	return float64(wordCount)*1.0 + alphaRatio*40.0 + float64(tokenHits)*6.0
}

// WeakDirect reports whether direct text-layer output is too sparse to trust.
func WeakDirect(text string) bool {
	return len(text) < directWeakChars || len(strings.Fields(text)) < directWeakWords
}

// WeakAttempt reports whether a recognition attempt is below the
// stop-trying-more-parameters bar.
func WeakAttempt(text string) bool {
	return len(text) < attemptStrongChars || len(strings.Fields(text)) < attemptStrongWords
}
