package synth

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

var urlPattern = regexp.MustCompile(`(?:https?://|www\.)\S+`)

// maxCharRun bounds runs of a repeated character. "Noooooo" reads fine but
// synthesizes as a drawn-out vowel, so longer runs are clipped to this.
const maxCharRun = 3

// Normalize prepares generated text for synthesis: HTML entities are
// unescaped, URLs removed, whitespace collapsed to single spaces, and runs of
// four or more identical characters clipped.
func Normalize(text string) string {
	text = html.UnescapeString(text)
	text = urlPattern.ReplaceAllString(text, "")

	var (
		b    strings.Builder
		prev rune
		run  int
	)
	b.Grow(len(text))
	for _, r := range text {
		if r == prev {
			run++
			if run > maxCharRun {
				continue
			}
		} else {
			prev, run = r, 1
		}
		b.WriteRune(r)
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// SplitChunk divides text into pieces of at most max runes, breaking at
// sentence boundaries where possible, then at word boundaries, then hard.
// max <= 0 returns the text as a single piece.
func SplitChunk(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return []string{text}
	}

	var pieces []string
	for len(runes) > max {
		cut := splitPoint(runes, max)
		piece := strings.TrimSpace(string(runes[:cut]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}

// splitPoint finds the best cut index within runes[:max+1]: the last sentence
// terminal followed by a space, else the last space, else max.
func splitPoint(runes []rune, max int) int {
	limit := max
	if limit >= len(runes) {
		limit = len(runes) - 1
	}

	lastSpace := -1
	lastSentence := -1
	for i := 1; i <= limit; i++ {
		if !unicode.IsSpace(runes[i]) {
			continue
		}
		lastSpace = i
		switch runes[i-1] {
		case '.', '!', '?':
			lastSentence = i
		}
	}
	if lastSentence > 0 {
		return lastSentence
	}
	if lastSpace > 0 {
		return lastSpace
	}
	return max
}
