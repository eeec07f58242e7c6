package wakeword

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// PhoneticOption configures a [Phonetic] matcher.
type PhoneticOption func(*Phonetic)

// WithPhoneticThreshold sets the Jaro-Winkler score a phonetically matching
// word needs. Default: 0.70.
func WithPhoneticThreshold(v float64) PhoneticOption {
	return func(p *Phonetic) { p.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the Jaro-Winkler score a word without a phonetic
// code overlap needs. Default: 0.85.
func WithFuzzyThreshold(v float64) PhoneticOption {
	return func(p *Phonetic) { p.fuzzyThreshold = v }
}

// Phonetic matches recognised words against identity names by sound.
//
// A word is a candidate for a name when their Double Metaphone codes overlap
// and their Jaro-Winkler similarity reaches the phonetic threshold, or, with
// no code overlap, when the similarity reaches the stricter fuzzy threshold.
// Identities are still tried in table order so the result is deterministic.
//
// Phonetic is read-only after construction and safe for concurrent use.
type Phonetic struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewPhonetic returns a matcher with the given options over the defaults.
func NewPhonetic(opts ...PhoneticOption) *Phonetic {
	p := &Phonetic{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Match returns the first identity in t whose name or aliases sound like a
// word in text, along with the best similarity score for that identity.
func (p *Phonetic) Match(t *Table, text string) (identity string, score float64, ok bool) {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return "", 0, false
	}
	codes := make([]codeSet, len(tokens))
	for i, tok := range tokens {
		codes[i] = codesFor(tok)
	}

	for _, e := range t.entries {
		best := 0.0
		for _, name := range append([]string{e.Identity}, e.Aliases...) {
			if s := p.score(tokens, codes, name); s > best {
				best = s
			}
		}
		if best > 0 {
			return e.Identity, best, true
		}
	}
	return "", 0, false
}

// score returns the best accepted similarity between any token and name, or
// zero when no token passes its threshold.
func (p *Phonetic) score(tokens []string, codes []codeSet, name string) float64 {
	nameCodes := codesFor(name)
	best := 0.0
	for i, tok := range tokens {
		s := matchr.JaroWinkler(tok, name, false)
		threshold := p.fuzzyThreshold
		if codes[i].overlaps(nameCodes) {
			threshold = p.phoneticThreshold
		}
		if s >= threshold && s > best {
			best = s
		}
	}
	return best
}

type codeSet map[string]struct{}

func codesFor(word string) codeSet {
	set := make(codeSet, 2)
	primary, secondary := matchr.DoubleMetaphone(word)
	if primary != "" {
		set[primary] = struct{}{}
	}
	if secondary != "" {
		set[secondary] = struct{}{}
	}
	return set
}

func (a codeSet) overlaps(b codeSet) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
