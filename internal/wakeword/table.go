// Package wakeword spots which identity the user addressed.
//
// While the conversation is asleep the [Detector] streams audio through a
// [Spotter] until one VAD window closes, then scans the recognised text
// against a [Table]: every identity owns an ordered list of variant spellings
// that speech recognisers commonly produce for its name. The first identity
// in table order with a contained variant wins. An optional [Phonetic]
// fallback catches spellings the table does not list.
package wakeword

import (
	"errors"
	"fmt"
	"strings"
)

// Entry is one identity and the spellings that wake it.
type Entry struct {
	// Identity is the canonical name, e.g. "mirza".
	Identity string `yaml:"identity"`

	// Variants are matched as case-insensitive substrings of the recognised
	// text, in order.
	Variants []string `yaml:"variants"`

	// Aliases are distinctive misspellings that the [Normalizer] rewrites to
	// the identity inside utterances. They are also tried by the phonetic
	// fallback. Common words must not be listed here.
	Aliases []string `yaml:"aliases,omitempty"`
}

// Table is an ordered, read-only identity lookup.
type Table struct {
	entries []Entry
}

// NewTable validates entries and returns a Table. Identities must be unique
// and non-empty and every entry needs at least one non-blank variant.
// Variants and aliases are stored lowercased.
func NewTable(entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, errors.New("wakeword: table has no entries")
	}
	var errs []error
	seen := make(map[string]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		id := strings.ToLower(strings.TrimSpace(e.Identity))
		if id == "" {
			errs = append(errs, fmt.Errorf("wakeword: entry %d: identity is empty", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("wakeword: entry %d: duplicate identity %q", i, id))
			continue
		}
		seen[id] = true
		variants := lowerAll(e.Variants)
		if len(variants) == 0 {
			errs = append(errs, fmt.Errorf("wakeword: identity %q has no variants", id))
			continue
		}
		out = append(out, Entry{Identity: id, Variants: variants, Aliases: lowerAll(e.Aliases)})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Table{entries: out}, nil
}

// MustTable is NewTable for static tables. It panics on invalid input.
func MustTable(entries []Entry) *Table {
	t, err := NewTable(entries)
	if err != nil {
		panic(err)
	}
	return t
}

// Entries returns a copy of the table in lookup order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = Entry{
			Identity: e.Identity,
			Variants: append([]string(nil), e.Variants...),
			Aliases:  append([]string(nil), e.Aliases...),
		}
	}
	return out
}

// Identities lists the identities in lookup order.
func (t *Table) Identities() []string {
	ids := make([]string, len(t.entries))
	for i, e := range t.entries {
		ids[i] = e.Identity
	}
	return ids
}

// Match returns the first identity, in table order, whose variants occur in
// text. Matching is case-insensitive substring containment.
func (t *Table) Match(text string) (identity string, ok bool) {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return "", false
	}
	for _, e := range t.entries {
		for _, v := range e.Variants {
			if strings.Contains(lower, v) {
				return e.Identity, true
			}
		}
	}
	return "", false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DefaultEntries returns the built-in identities with the spellings Dutch
// recognisers produce for them.
func DefaultEntries() []Entry {
	return []Entry{
		{
			Identity: "mirza",
			Variants: []string{"mirza", "meer", "miesra", "meerza", "misra", "mirsa", "meersa"},
			Aliases:  []string{"miesra", "meerza", "misra", "mirsa", "meersa"},
		},
		{
			Identity: "els",
			Variants: []string{"els", "else", "el", "elles", "ells", "elsa", "als"},
			Aliases:  []string{"elles", "ells"},
		},
		{
			Identity: "zanne",
			Variants: []string{
				"zanne", "sanne", "zan", "anne", "zonder", "heeft een", "heeft van een",
				"heeft van de", "heeft me", "santa", "johanna", "jana", "zane", "san",
				"of sander", "sander",
			},
			Aliases: []string{"sanne", "zane"},
		},
		{
			Identity: "pjotr",
			Variants: []string{
				"pjotr", "peter", "pieter", "filter", "piter", "foto", "computer",
				"heb je er", "heb er", "computer er", "piet", "pietro", "footer",
				"folder", "filters", "porter", "putter", "potter", "piktor", "victor",
				"fijter", "fiter", "bijter", "fjotter", "pjouter", "pjoater", "pleiter",
				"prijter", "poorter", "prutter", "ploegen",
			},
			Aliases: []string{"piter", "fjotter", "pjouter", "pjoater", "piktor"},
		},
		{
			Identity: "tobor",
			Variants: []string{
				"tobor", "tober", "topper", "troepen", "ober", "over", "tobar", "toebot",
				"tobert", "tobot", "toebor", "robot", "rotor", "tuber", "tiger", "tabor",
				"tutor", "toter", "toper", "toeber", "toober", "toebber", "toepper",
				"toeper", "toobor", "tobaar", "toebeer", "toobeer", "topor", "toor",
				"tower", "toer", "toeer", "tohar", "toehar", "toear", "toaar",
			},
			Aliases: []string{"tober", "tobar", "toebot", "tobot", "toebor", "toobor", "tobaar", "topor"},
		},
	}
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	return MustTable(DefaultEntries())
}
