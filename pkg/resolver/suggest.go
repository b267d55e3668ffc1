package resolver

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/mozillazg/go-pinyin"
)

// SuggestKind says how a suggestion was found. Lower values rank first.
type SuggestKind int

const (
	SuggestExact SuggestKind = iota
	SuggestPrefix
	SuggestPlace
	SuggestSimilar
	SuggestPinyin
)

func (k SuggestKind) String() string {
	switch k {
	case SuggestExact:
		return "exact"
	case SuggestPrefix:
		return "prefix"
	case SuggestPlace:
		return "place"
	case SuggestSimilar:
		return "similar"
	case SuggestPinyin:
		return "pinyin"
	}
	return "unknown"
}

// Suggestion is one candidate tag for a search term.
type Suggestion struct {
	Tag   string
	Kind  SuggestKind
	Score float64
}

// SuggestOptions narrows suggestions.
type SuggestOptions struct {
	// StoredOnly drops locations that have no readings yet.
	StoredOnly bool
	// Limit caps the number of suggestions; zero means no cap.
	Limit int
}

// TermSuggestions pairs one term of a batch with its candidates.
type TermSuggestions struct {
	Term        string
	Suggestions []Suggestion
}

// Suggest returns ranked, non-exclusive candidates for term. When the
// resolution chain matches, only those matches are returned. Suggest never
// writes anything.
func (r *Resolver) Suggest(term string, opts SuggestOptions) []Suggestion {
	term = FoldLabel(term)
	if term == "" {
		return nil
	}
	keep := func(i int) bool { return !opts.StoredOnly || r.entries[i].Stored }

	if idxs, _ := r.lookup(term, keep); len(idxs) > 0 {
		out := make([]Suggestion, 0, len(idxs))
		for _, i := range idxs {
			out = append(out, Suggestion{Tag: r.entries[i].Tag, Kind: SuggestExact, Score: 1})
		}
		return limit(out, opts.Limit)
	}

	simp, err := r.conv.T2S.Convert(term)
	if err != nil {
		simp = term
	}
	py := transliterate(simp)

	type ranked struct {
		Suggestion
		idx int
	}
	var found []ranked
	for i, e := range r.entries {
		if !keep(i) {
			continue
		}
		s, ok := r.score(i, simp, py)
		if !ok {
			continue
		}
		s.Tag = e.Tag
		found = append(found, ranked{Suggestion: s, idx: i})
	}
	slices.SortStableFunc(found, func(a, b ranked) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return a.idx - b.idx
	})

	out := make([]Suggestion, 0, len(found))
	for _, f := range found {
		out = append(out, f.Suggestion)
	}
	return limit(out, opts.Limit)
}

// score returns the best way entry i relates to the simplified term. The
// similarity and pinyin scores are the best over the tag and its place names.
func (r *Resolver) score(i int, simp, py string) (Suggestion, bool) {
	tag := r.simplified[i]
	if strings.HasPrefix(tag, simp) {
		return Suggestion{Kind: SuggestPrefix, Score: ratio(simp, tag)}, true
	}
	for _, ps := range r.places[i] {
		if strings.Contains(ps, simp) {
			return Suggestion{Kind: SuggestPlace, Score: ratio(simp, ps)}, true
		}
	}
	if s := bestRatio(simp, tag, r.places[i]); s >= r.simMin {
		return Suggestion{Kind: SuggestSimilar, Score: s}, true
	}
	if py != "" {
		if s := bestRatio(py, r.pinyin[i], r.placesPy[i]); s >= r.pyMin {
			return Suggestion{Kind: SuggestPinyin, Score: s}, true
		}
	}
	return Suggestion{}, false
}

func bestRatio(term, first string, rest []string) float64 {
	best := 0.0
	for _, c := range append([]string{first}, rest...) {
		if c != "" {
			best = max(best, ratio(term, c))
		}
	}
	return best
}

// SuggestAll splits input on spaces and the usual list separators and
// suggests for every term, in input order.
func (r *Resolver) SuggestAll(input string, opts SuggestOptions) []TermSuggestions {
	terms := strings.FieldsFunc(input, isTermSeparator)
	out := make([]TermSuggestions, 0, len(terms))
	for _, t := range terms {
		out = append(out, TermSuggestions{Term: t, Suggestions: r.Suggest(t, opts)})
	}
	return out
}

func isTermSeparator(r rune) bool {
	switch r {
	case ' ', ',', ';', '/', '，', '；', '、', '\t', '　':
		return true
	}
	return false
}

// ratio is 1 - edit distance / longer length, over runes.
func ratio(a, b string) float64 {
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
}

func transliterate(s string) string {
	return strings.Join(pinyin.LazyPinyin(s, pinyin.NewArgs()), "")
}

func limit(s []Suggestion, n int) []Suggestion {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
