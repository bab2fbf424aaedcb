// Package glossary corrects misrecognised domain vocabulary in finalized
// transcripts.
//
// Recognition services routinely mangle proper nouns and jargon: "Cavour"
// comes back as "cavur", "Garibaldi" as "gari baldi". A [Glossary] holds the
// terms a deployment cares about and rewrites word windows that sound and
// look like one of them. Matching runs in two stages:
//
//  1. Phonetic filtering: Double Metaphone codes of the window's words are
//     compared with those of each term. Any shared code makes the term a
//     phonetic candidate, accepted above the phonetic threshold.
//
//  2. Fuzzy fallback: terms without a shared code are accepted only above
//     the stricter fuzzy threshold.
//
// Scores are Jaro-Winkler similarities on lower-cased text. A Glossary is
// read-only after construction and safe for concurrent use.
package glossary

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	DefaultPhoneticThreshold = 0.80
	DefaultFuzzyThreshold    = 0.90

	// minWindowRunes skips windows too short to compare meaningfully.
	minWindowRunes = 3
)

// Correction records one substitution.
type Correction struct {
	Original  string
	Corrected string
	Score     float64
	Phonetic  bool
}

// Option is a functional option for [New].
type Option func(*Glossary)

// WithPhoneticThreshold sets the minimum score for phonetic candidates.
// Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(g *Glossary) {
		if threshold > 0 {
			g.phoneticThreshold = threshold
		}
	}
}

// WithFuzzyThreshold sets the minimum score for terms that share no phonetic
// code with the window. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(g *Glossary) {
		if threshold > 0 {
			g.fuzzyThreshold = threshold
		}
	}
}

type term struct {
	text   string
	lower  string
	tokens []string
	concat string
	codes  map[string]struct{}
}

// Glossary rewrites transcripts towards a fixed list of terms.
type Glossary struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New prepares terms for matching. Blank and duplicate terms are ignored.
func New(terms []string, opts ...Option) *Glossary {
	g := &Glossary{
		phoneticThreshold: DefaultPhoneticThreshold,
		fuzzyThreshold:    DefaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(g)
	}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.Join(strings.Fields(t), " ")
		lower := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		tokens := strings.Fields(lower)
		g.terms = append(g.terms, term{
			text:   t,
			lower:  lower,
			tokens: tokens,
			concat: strings.Join(tokens, ""),
			codes:  codesFor(tokens),
		})
		g.maxWords = max(g.maxWords, len(tokens))
	}
	return g
}

// Len returns the number of distinct terms.
func (g *Glossary) Len() int { return len(g.terms) }

// Rewrite returns text with every recognised term corrected.
func (g *Glossary) Rewrite(text string) string {
	out, _ := g.Correct(text)
	return out
}

// Correct rewrites text and reports each substitution. Words are rejoined
// with single spaces; punctuation around a replaced window is kept.
//
// At every position the best-scoring window wins. A window may hold one word
// more or fewer than the term it matches, so split and merged words are
// recognised, but each of its words must raise the score.
func (g *Glossary) Correct(text string) (string, []Correction) {
	if len(g.terms) == 0 {
		return text, nil
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(words); {
		m, ok := g.bestAt(words, i)
		if !ok {
			out = append(out, words[i])
			i++
			continue
		}
		window := words[i : i+m.n]
		lead, _ := splitPunct(window[0])
		_, trail := splitPunct(window[len(window)-1])
		original := strings.Join(cores(window), " ")
		if original != m.term.text {
			corrections = append(corrections, Correction{
				Original:  original,
				Corrected: m.term.text,
				Score:     m.score,
				Phonetic:  m.phonetic,
			})
		}
		out = append(out, lead+m.term.text+trail)
		i += m.n
	}
	return strings.Join(out, " "), corrections
}

type match struct {
	term     *term
	n        int
	score    float64
	phonetic bool
}

func (g *Glossary) bestAt(words []string, i int) (match, bool) {
	var best match
	for ti := range g.terms {
		t := &g.terms[ti]
		w := len(t.tokens)
		for n := max(1, w-1); n <= w+1 && i+n <= len(words); n++ {
			window := lowerCores(words[i : i+n])
			if runeLen(window) < minWindowRunes {
				continue
			}
			s := score(window, t)
			phonetic := overlaps(codesFor(window), t.codes)
			threshold := g.fuzzyThreshold
			if phonetic {
				threshold = g.phoneticThreshold
			}
			if s < threshold {
				continue
			}
			if n > 1 && (s <= score(window[1:], t) || s <= score(window[:n-1], t)) {
				continue
			}
			if best.term == nil || s > best.score || (s == best.score && n > best.n) {
				best = match{term: t, n: n, score: s, phonetic: phonetic}
			}
		}
	}
	return best, best.term != nil
}

// score is the best of three comparisons: the full phrases, the phrases
// without spaces, and the mean word-by-word similarity when both have the
// same number of words.
func score(window []string, t *term) float64 {
	if len(window) == 0 {
		return 0
	}
	s := matchr.JaroWinkler(strings.Join(window, " "), t.lower, false)
	if c := matchr.JaroWinkler(strings.Join(window, ""), t.concat, false); c > s {
		s = c
	}
	if len(window) > 1 && len(window) == len(t.tokens) {
		var sum float64
		for k := range window {
			sum += matchr.JaroWinkler(window[k], t.tokens[k], false)
		}
		if m := sum / float64(len(window)); m > s {
			s = m
		}
	}
	return s
}

// codesFor returns the union of the Double Metaphone codes of tokens.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
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

func isPunct(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }

// splitPunct returns the punctuation before and after the letters of word.
func splitPunct(word string) (lead, trail string) {
	core := strings.TrimFunc(word, isPunct)
	if core == "" {
		return "", word
	}
	start := strings.Index(word, core)
	return word[:start], word[start+len(core):]
}

func cores(words []string) []string {
	out := make([]string, len(words))
	for k, w := range words {
		out[k] = strings.TrimFunc(w, isPunct)
	}
	return out
}

func lowerCores(words []string) []string {
	out := cores(words)
	for k := range out {
		out[k] = strings.ToLower(out[k])
	}
	return out
}

func runeLen(words []string) int {
	var n int
	for _, w := range words {
		n += len([]rune(w))
	}
	return n
}
