// Package consolidate merges duplicate readings and flags polyphones.
package consolidate

import (
	"fmt"
	"strings"

	"github.com/japaniel/fangyan/pkg/db"
)

// Conflict reports one (location, character, syllable) group whose rows
// decompose the syllable differently.
type Conflict struct {
	Location  string
	Character string
	Syllable  string
	// Decompositions lists each distinct onset|rime|tone once.
	Decompositions []string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s %s %s: %s", c.Location, c.Character, c.Syllable, strings.Join(c.Decompositions, " vs "))
}

type groupKey struct{ location, character, syllable string }

type decompKey struct{ onset, rime, tone string }

// Consolidate merges rows that share location, character, syllable and
// decomposition, unions their notes with sep, and sets the polyphone flag on
// every row of a character that has more than one syllable at its location.
// Groups whose rows decompose the syllable differently are reported as
// conflicts and kept row for row.
// Output keeps first-appearance order; IDs are cleared.
func Consolidate(rows []db.Reading, sep string) ([]db.Reading, []Conflict) {
	if sep == "" {
		sep = ";"
	}

	var order []groupKey
	groups := make(map[groupKey][]db.Reading)
	for _, r := range rows {
		k := groupKey{r.Location, r.Character, r.Syllable}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var out []db.Reading
	var conflicts []Conflict
	for _, k := range order {
		merged := mergeGroup(groups[k], sep)
		if len(merged) > 1 {
			c := Conflict{Location: k.location, Character: k.character, Syllable: k.syllable}
			for _, m := range merged {
				c.Decompositions = append(c.Decompositions, m.Onset+"|"+m.Rime+"|"+m.Tone)
			}
			conflicts = append(conflicts, c)
			// A conflicting group is left as it came in.
			for _, r := range groups[k] {
				r.ID = 0
				out = append(out, r)
			}
			continue
		}
		out = append(out, merged...)
	}

	type charKey struct{ location, character string }
	syllables := make(map[charKey]map[string]bool)
	for _, r := range out {
		ck := charKey{r.Location, r.Character}
		if syllables[ck] == nil {
			syllables[ck] = make(map[string]bool)
		}
		syllables[ck][r.Syllable] = true
	}
	for i := range out {
		out[i].Polyphonic = len(syllables[charKey{out[i].Location, out[i].Character}]) > 1
	}
	return out, conflicts
}

// mergeGroup collapses rows with the same decomposition.
func mergeGroup(rows []db.Reading, sep string) []db.Reading {
	var order []decompKey
	merged := make(map[decompKey]*db.Reading)
	notes := make(map[decompKey]*noteSet)
	for _, r := range rows {
		k := decompKey{r.Onset, r.Rime, r.Tone}
		m, ok := merged[k]
		if !ok {
			cp := r
			cp.ID = 0
			merged[k] = &cp
			notes[k] = &noteSet{seen: make(map[string]bool)}
			order = append(order, k)
			m = &cp
		} else {
			m.NeedsReview = m.NeedsReview || r.NeedsReview
			if m.ToneClass == "" {
				m.ToneClass = r.ToneClass
			}
		}
		notes[k].add(r.Note, sep)
	}
	out := make([]db.Reading, 0, len(order))
	for _, k := range order {
		m := merged[k]
		m.Note = strings.Join(notes[k].items, sep)
		out = append(out, *m)
	}
	return out
}

// noteSet is an order-preserving set of annotation fragments.
type noteSet struct {
	items []string
	seen  map[string]bool
}

func (n *noteSet) add(note, sep string) {
	for _, part := range strings.Split(note, sep) {
		part = strings.TrimSpace(part)
		if part == "" || n.seen[part] {
			continue
		}
		n.seen[part] = true
		n.items = append(n.items, part)
	}
}
