// Package transcript fixes STT errors in domain-specific vocabulary.
//
// Speech-to-text output is rarely perfect for proper nouns and jargon, so
// the [Corrector] snaps misheard words to a configured glossary using Double
// Metaphone phonetic codes with Jaro-Winkler ranking:
//
//  1. Phonetic candidate filtering: a glossary term whose leading word
//     shares a Metaphone code with the window's leading word becomes a
//     candidate. Anchoring on the leading word keeps a window like
//     "the hall of" from matching the term "Hall of Mirrors" one token
//     early.
//  2. Jaro-Winkler ranking: the candidate with the highest similarity wins,
//     provided it clears the phonetic threshold. When no phonetic candidate
//     exists, a pure string-similarity fallback applies with a stricter
//     threshold.
//
// Multi-word glossary terms are matched against sliding n-gram windows, with
// longer windows taking precedence. The Corrector is read-only after
// construction and safe for concurrent use.
package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records a single glossary substitution.
type Correction struct {
	// Original is the text as produced by the STT provider.
	Original string

	// Corrected is the glossary term it was replaced with.
	Corrected string

	// Confidence is the Jaro-Winkler similarity that selected the term.
	Confidence float64
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// term is a glossary entry with its matching data precomputed.
type term struct {
	canonical  string
	lower      string
	concat     string
	tokenCount int
	firstCodes map[string]struct{}
}

// Corrector snaps phonetically-similar mis-transcriptions to glossary terms.
type Corrector struct {
	terms             []term
	maxTermWords      int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New builds a [Corrector] for the given glossary. Blank terms are ignored.
// A Corrector with an empty glossary is valid and corrects nothing.
func New(glossary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, g := range glossary {
		lower := strings.ToLower(strings.TrimSpace(g))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.terms = append(c.terms, term{
			canonical:  strings.TrimSpace(g),
			lower:      strings.Join(tokens, " "),
			concat:     strings.Join(tokens, ""),
			tokenCount: len(tokens),
			firstCodes: codesFor(tokens[0]),
		})
		if len(tokens) > c.maxTermWords {
			c.maxTermWords = len(tokens)
		}
	}
	return c
}

// Correct scans text with sliding n-gram windows and replaces windows that
// phonetically match a glossary term. It returns the corrected text and the
// substitutions applied, oldest first. Text without matches is returned
// unchanged.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.terms) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := c.maxTermWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := tokens[i : i+n]
			core, prefix, suffix := trimWindow(window)
			if core == "" {
				continue
			}

			t, conf, ok := c.match(core)
			if !ok {
				continue
			}

			if !strings.EqualFold(core, t.canonical) {
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  t.canonical,
					Confidence: conf,
				})
			}
			output = append(output, prefix+t.canonical+suffix)
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// match finds the best glossary term for the window text, if any.
func (c *Corrector) match(window string) (term, float64, bool) {
	windowTokens := strings.Fields(strings.ToLower(window))
	if len(windowTokens) == 0 {
		return term{}, 0, false
	}
	windowLower := strings.Join(windowTokens, " ")
	windowConcat := strings.Join(windowTokens, "")
	firstCodes := codesFor(windowTokens[0])

	var (
		best         term
		bestScore    float64
		bestPhonetic bool
		found        bool
	)
	for _, t := range c.terms {
		phonetic := codesOverlap(firstCodes, t.firstCodes)
		score := similarity(windowLower, windowConcat, t)

		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic, found = t, score, true, true
			}
		case !phonetic && !bestPhonetic && len(windowTokens) == t.tokenCount &&
			score >= c.fuzzyThreshold && score > bestScore:
			best, bestScore, found = t, score, true
		}
	}
	return best, bestScore, found
}

// similarity is the higher of the full-string and space-stripped
// Jaro-Winkler scores. The space-stripped pass handles word boundaries the
// STT provider heard differently ("elder nacks" vs "eldrinax").
func similarity(windowLower, windowConcat string, t term) float64 {
	score := matchr.JaroWinkler(windowLower, t.lower, false)
	if s := matchr.JaroWinkler(windowConcat, t.concat, false); s > score {
		score = s
	}
	return score
}

// codesFor returns the Double Metaphone codes for one token. Empty codes are
// excluded.
func codesFor(token string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(token)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// trimWindow strips leading punctuation from the first token and trailing
// punctuation from the last, so "mead," still matches the term "mead". The
// stripped runes are returned for reattachment around a replacement.
func trimWindow(window []string) (core, prefix, suffix string) {
	joined := strings.Join(window, " ")
	start := 0
	for start < len(joined) && !isWordByte(joined[start]) {
		start++
	}
	end := len(joined)
	for end > start && !isWordByte(joined[end-1]) {
		end--
	}
	return joined[start:end], joined[:start], joined[end:]
}

// isWordByte treats ASCII punctuation as trimmable; multi-byte runes are
// always kept.
func isWordByte(b byte) bool {
	if b >= 0x80 {
		return true
	}
	return unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}
