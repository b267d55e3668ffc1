// Package resolver maps source-file labels to canonical dialect-location tags.
//
// Labels are tried against an ordered chain of stages; a label only reaches
// a stage when every earlier stage failed for it:
//
//  1. exact tag or registered alias
//  2. canonical tags converted simplified→traditional
//  3. both sides converted traditional→simplified
//  4. both sides passed through the glyph-variant table
//  5. both sides passed through the substitution dictionary
//
// When several inputs claim the same tag a Policy picks the winner.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/japaniel/fangyan/pkg/phonology"
	"github.com/japaniel/fangyan/pkg/reference"
)

// ErrDuplicateTag aborts construction when the canonical set repeats a tag.
var ErrDuplicateTag = errors.New("resolver: duplicate canonical tag")

// Stage identifies the step of the chain that produced a match.
type Stage int

const (
	StageExact Stage = iota + 1
	StageS2T
	StageT2S
	StageVariant
	StageSubstitution
)

var stages = []Stage{StageExact, StageS2T, StageT2S, StageVariant, StageSubstitution}

func (s Stage) String() string {
	switch s {
	case StageExact:
		return "exact"
	case StageS2T:
		return "s2t"
	case StageT2S:
		return "t2s"
	case StageVariant:
		return "variant"
	case StageSubstitution:
		return "substitution"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Input is one source label awaiting resolution.
type Input struct {
	Label   string
	Path    string
	Origin  string
	ModTime time.Time
}

// Match binds an input to its canonical location.
type Match struct {
	Location reference.Location
	Input    Input
	Stage    Stage
}

// Ambiguity records an input that matched several canonical entries at one stage.
type Ambiguity struct {
	Input        Input
	Chosen       string
	Alternatives []string
	Stage        Stage
}

// Discard records an input that lost a tie on a canonical tag.
type Discard struct {
	Tag    string
	Input  Input
	Winner Input
}

// Result is the outcome of ResolveBatch.
type Result struct {
	// Matches are ordered by canonical sort order.
	Matches   []Match
	Unmatched []Input
	Discarded []Discard
	Ambiguous []Ambiguity
	// Excluded inputs resolved to entries outside the selected partitions.
	Excluded []Match
}

// Options configures a Resolver.
type Options struct {
	Converters Converters
	Policy     Policy
	Logger     *slog.Logger
	// SimilarityThreshold is the minimum edit-distance ratio for suggestions (default 0.7).
	SimilarityThreshold float64
	// PinyinThreshold is the minimum ratio between pinyin transliterations (default 0.9).
	PinyinThreshold float64
}

// BatchOptions narrows a batch resolution.
type BatchOptions struct {
	// Partitions keeps only canonical entries whose region head is listed.
	// Empty, "all" or "全部" disables the filter.
	Partitions []string
}

// Resolver is immutable after New and safe for concurrent use.
type Resolver struct {
	tables  *phonology.Tables
	conv    Converters
	policy  Policy
	logger  *slog.Logger
	simMin  float64
	pyMin   float64
	entries []reference.Location
	// keys[stage-1] maps a transformed label to entry indices in canonical order.
	keys [5]map[string][]int
	// derived forms used by suggestions
	simplified []string
	pinyin     []string
	places     [][]string
	placesPy   [][]string
}

// New builds a resolver over locs. The canonical order is the reference sort order.
func New(t *phonology.Tables, locs []reference.Location, opts Options) (*Resolver, error) {
	if err := reference.CheckDuplicates(locs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateTag, err)
	}
	if t == nil {
		t = phonology.Default()
	}
	r := &Resolver{
		tables: t,
		conv:   opts.Converters.withDefaults(),
		policy: opts.Policy,
		logger: opts.Logger,
		simMin: opts.SimilarityThreshold,
		pyMin:  opts.PinyinThreshold,
	}
	if r.policy == nil {
		r.policy = PreferNewest()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.simMin <= 0 {
		r.simMin = 0.7
	}
	if r.pyMin <= 0 {
		r.pyMin = 0.9
	}

	r.entries = make([]reference.Location, len(locs))
	copy(r.entries, locs)
	reference.SortLocations(r.entries)

	for i := range r.keys {
		r.keys[i] = make(map[string][]int)
	}
	r.simplified = make([]string, len(r.entries))
	r.pinyin = make([]string, len(r.entries))
	r.places = make([][]string, len(r.entries))
	r.placesPy = make([][]string, len(r.entries))
	for i, e := range r.entries {
		labels := append([]string{e.Tag}, e.Aliases...)
		for _, l := range labels {
			for _, st := range stages {
				key, err := r.canonicalKey(st, l)
				if err != nil {
					return nil, fmt.Errorf("resolver: index %s: %w", e.Tag, err)
				}
				r.addKey(st, key, i)
			}
		}
		simp, err := r.conv.T2S.Convert(FoldLabel(e.Tag))
		if err != nil {
			return nil, fmt.Errorf("resolver: index %s: %w", e.Tag, err)
		}
		r.simplified[i] = simp
		r.pinyin[i] = transliterate(simp)
		for _, p := range e.PlaceNames() {
			ps, err := r.conv.T2S.Convert(FoldLabel(p))
			if err != nil {
				ps = p
			}
			r.places[i] = append(r.places[i], ps)
			r.placesPy[i] = append(r.placesPy[i], transliterate(ps))
		}
	}
	return r, nil
}

func (r *Resolver) addKey(st Stage, key string, idx int) {
	if key == "" {
		return
	}
	m := r.keys[st-1]
	if slices.Contains(m[key], idx) {
		return
	}
	m[key] = append(m[key], idx)
}

// canonicalKey transforms a canonical label for one stage.
func (r *Resolver) canonicalKey(st Stage, label string) (string, error) {
	label = FoldLabel(label)
	switch st {
	case StageS2T:
		return r.conv.S2T.Convert(label)
	case StageExact:
		return label, nil
	}
	return r.inputKey(st, label)
}

// inputKey transforms an input label for one stage. Stage 2 leaves the input as is.
func (r *Resolver) inputKey(st Stage, label string) (string, error) {
	label = FoldLabel(label)
	switch st {
	case StageExact, StageS2T:
		return label, nil
	case StageT2S:
		return r.conv.T2S.Convert(label)
	case StageVariant:
		v, err := r.conv.Variant.Convert(label)
		if err != nil {
			return "", err
		}
		return r.tables.FoldVariants(v), nil
	case StageSubstitution:
		v, err := r.inputKey(StageVariant, label)
		if err != nil {
			return "", err
		}
		return r.tables.Substitute(v), nil
	}
	return "", fmt.Errorf("unknown stage %d", st)
}

// Entries returns the canonical entries in canonical order.
func (r *Resolver) Entries() []reference.Location {
	out := make([]reference.Location, len(r.entries))
	copy(out, r.entries)
	return out
}

// Resolve returns the tag for one label, or ok=false when no stage matches.
// With several matches at the winning stage the first in canonical order is returned.
func (r *Resolver) Resolve(label string) (tag string, stage Stage, ok bool) {
	idxs, st := r.lookup(label, nil)
	if len(idxs) == 0 {
		return "", 0, false
	}
	return r.entries[idxs[0]].Tag, st, true
}

// lookup walks the chain and returns the entry indices of the first stage
// that yields any entry passing keep.
func (r *Resolver) lookup(label string, keep func(int) bool) ([]int, Stage) {
	if FoldLabel(label) == "" {
		return nil, 0
	}
	for _, st := range stages {
		key, err := r.inputKey(st, label)
		if err != nil {
			r.logger.Warn("label conversion failed", "label", label, "stage", st.String(), "error", err)
			continue
		}
		var hits []int
		for _, i := range r.keys[st-1][key] {
			if keep == nil || keep(i) {
				hits = append(hits, i)
			}
		}
		if len(hits) > 0 {
			return hits, st
		}
	}
	return nil, 0
}

// ResolveBatch resolves every input. Inputs are processed in (label, path)
// order so repeated runs over the same files give the same result.
func (r *Resolver) ResolveBatch(inputs []Input, opts BatchOptions) Result {
	sorted := make([]Input, len(inputs))
	copy(sorted, inputs)
	slices.SortStableFunc(sorted, func(a, b Input) int {
		if c := strings.Compare(a.Label, b.Label); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})

	keep := r.partitionFilter(opts.Partitions)

	var res Result
	claims := make(map[int][]Claim)
	for _, in := range sorted {
		// The partition filter applies to the winning stage only; a label
		// never falls through to a later stage because of it.
		idxs, st := r.lookup(in.Label, nil)
		if len(idxs) == 0 {
			res.Unmatched = append(res.Unmatched, in)
			continue
		}
		if keep != nil {
			all := idxs
			idxs = slices.DeleteFunc(slices.Clone(idxs), func(i int) bool { return !keep(i) })
			if len(idxs) == 0 {
				res.Excluded = append(res.Excluded, Match{Location: r.entries[all[0]], Input: in, Stage: st})
				r.logger.Debug("label outside selected partitions", "label", in.Label, "tag", r.entries[all[0]].Tag)
				continue
			}
		}
		if len(idxs) > 1 {
			alts := make([]string, 0, len(idxs)-1)
			for _, i := range idxs[1:] {
				alts = append(alts, r.entries[i].Tag)
			}
			res.Ambiguous = append(res.Ambiguous, Ambiguity{
				Input: in, Chosen: r.entries[idxs[0]].Tag, Alternatives: alts, Stage: st,
			})
			r.logger.Info("ambiguous label resolved to first canonical entry",
				"label", in.Label, "chosen", r.entries[idxs[0]].Tag, "alternatives", alts)
		}
		claims[idxs[0]] = append(claims[idxs[0]], Claim{Input: in, Stage: st})
	}

	for i, e := range r.entries {
		cs, ok := claims[i]
		if !ok {
			continue
		}
		sortClaims(cs)
		win := 0
		if len(cs) > 1 {
			win = r.policy.Choose(e.Tag, cs)
			if win < 0 || win >= len(cs) {
				win = 0
			}
			for j, c := range cs {
				if j == win {
					continue
				}
				res.Discarded = append(res.Discarded, Discard{Tag: e.Tag, Input: c.Input, Winner: cs[win].Input})
				r.logger.Info("discarded source for tag", "tag", e.Tag, "discarded", c.Input.Path, "kept", cs[win].Input.Path)
			}
		}
		res.Matches = append(res.Matches, Match{Location: e, Input: cs[win].Input, Stage: cs[win].Stage})
	}
	return res
}

func (r *Resolver) partitionFilter(parts []string) func(int) bool {
	set := make(map[string]bool, len(parts))
	for _, p := range parts {
		for _, f := range strings.Fields(p) {
			if f == "all" || f == "全部" {
				return nil
			}
			set[f] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return func(i int) bool { return set[r.entries[i].PartitionHead()] }
}
