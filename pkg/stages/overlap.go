package stages

import (
	"strings"
	"unicode"
)

// stopwords excluded from term-overlap comparison. Question scaffolding words
// would otherwise inflate every ratio.
//
//nolint:gochecknoglobals // Fixed vocabulary table
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "should": true, "could": true, "can": true,
	"what": true, "which": true, "who": true, "whom": true, "how": true,
	"when": true, "where": true, "why": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true, "for": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"with": true, "and": true, "or": true, "not": true, "no": true, "we": true,
	"you": true, "your": true, "there": true, "have": true, "has": true,
	"had": true, "need": true, "any": true, "please": true,
}

// contentTerms lowercases text, splits on non-alphanumeric runs, and drops
// stopwords and single-character fragments.
func contentTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// overlapRatio returns the fraction of the question's content terms that appear
// in the answer text. Returns 0 for a question with no content terms.
func overlapRatio(question, answer string) float64 {
	qTerms := contentTerms(question)
	if len(qTerms) == 0 {
		return 0
	}

	aTerms := make(map[string]bool)
	for _, t := range contentTerms(answer) {
		aTerms[t] = true
	}

	matched := 0
	for _, t := range qTerms {
		if aTerms[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(qTerms))
}

// answeredBy reports whether any candidate text covers the question's terms at
// or past the configured ratio.
func answeredBy(question string, texts []string, ratio float64) bool {
	for _, text := range texts {
		if overlapRatio(question, text) >= ratio {
			return true
		}
	}
	return false
}
