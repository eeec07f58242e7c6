package wakeword

import (
	"regexp"
	"sort"
	"strings"
)

// Normalizer rewrites known misspellings of identity names inside an
// utterance, so that "hoi meerza" reaches collaborators as "hoi Mirza".
type Normalizer struct {
	rules []rule
}

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// NewNormalizer builds whole-word rewrite rules from the aliases in t.
// Identities without aliases get no rule. Longer aliases are tried first so
// that multi-word spellings win over their prefixes.
func NewNormalizer(t *Table) *Normalizer {
	n := &Normalizer{}
	for _, e := range t.entries {
		if len(e.Aliases) == 0 {
			continue
		}
		aliases := append([]string(nil), e.Aliases...)
		sort.SliceStable(aliases, func(i, j int) bool { return len(aliases[i]) > len(aliases[j]) })
		quoted := make([]string, len(aliases))
		for i, a := range aliases {
			quoted[i] = regexp.QuoteMeta(a)
		}
		n.rules = append(n.rules, rule{
			re:          regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`),
			replacement: capitalize(e.Identity),
		})
	}
	return n
}

// Normalize returns text with every alias replaced by its identity.
func (n *Normalizer) Normalize(text string) string {
	for _, r := range n.rules {
		text = r.re.ReplaceAllLiteralString(text, r.replacement)
	}
	return text
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
