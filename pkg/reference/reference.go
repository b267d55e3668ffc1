// Package reference loads the canonical dialect-location table.
package reference

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/japaniel/fangyan/pkg/db"
)

// ErrDuplicateTag is returned when one table lists the same tag twice.
var ErrDuplicateTag = errors.New("reference: duplicate location tag")

// ToneTable maps a tone code (e.g. "55") to its category label (e.g. "陰平").
type ToneTable map[string]string

// Label implements segment.ToneLabeler.
func (t ToneTable) Label(tone string) string { return t[tone] }

// Location is one entry of the reference table.
type Location struct {
	Tag        string    `json:"tag" yaml:"tag"`
	Aliases    []string  `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Region     string    `json:"region,omitempty" yaml:"region,omitempty"`
	SortOrder  string    `json:"sort_order,omitempty" yaml:"sort_order,omitempty"`
	Simplified bool      `json:"simplified,omitempty" yaml:"simplified,omitempty"`
	Tones      ToneTable `json:"tones,omitempty" yaml:"tones,omitempty"`
	Province   string    `json:"province,omitempty" yaml:"province,omitempty"`
	City       string    `json:"city,omitempty" yaml:"city,omitempty"`
	County     string    `json:"county,omitempty" yaml:"county,omitempty"`
	Town       string    `json:"town,omitempty" yaml:"town,omitempty"`
	Village    string    `json:"village,omitempty" yaml:"village,omitempty"`
	Hamlet     string    `json:"hamlet,omitempty" yaml:"hamlet,omitempty"`

	// Stored mirrors locations.stored and is never read from a table file.
	Stored bool `json:"-" yaml:"-"`
}

// PartitionHead returns the first "-" segment of the region, the unit the
// partition filter works on.
func (l Location) PartitionHead() string {
	head, _, _ := strings.Cut(l.Region, "-")
	return strings.TrimSpace(head)
}

// PlaceNames returns the non-empty sub-county names, used by suggestions.
func (l Location) PlaceNames() []string {
	var out []string
	for _, n := range []string{l.Town, l.Village, l.Hamlet} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Completeness counts populated fields.
func (l Location) Completeness() int {
	n := 0
	for _, s := range []string{l.Region, l.SortOrder, l.Province, l.City, l.County, l.Town, l.Village, l.Hamlet} {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	if len(l.Aliases) > 0 {
		n++
	}
	if len(l.Tones) > 0 {
		n++
	}
	if l.Simplified {
		n++
	}
	return n
}

// Model converts to the storage representation.
func (l Location) Model() db.Location {
	return db.Location{
		Tag:        l.Tag,
		Aliases:    l.Aliases,
		Region:     l.Region,
		SortOrder:  l.SortOrder,
		Simplified: l.Simplified,
		Tones:      l.Tones,
		Province:   l.Province,
		City:       l.City,
		County:     l.County,
		Town:       l.Town,
		Village:    l.Village,
		Hamlet:     l.Hamlet,
	}
}

// FromModel converts a stored location back.
func FromModel(m db.Location) Location {
	return Location{
		Tag:        m.Tag,
		Aliases:    m.Aliases,
		Region:     m.Region,
		SortOrder:  m.SortOrder,
		Simplified: m.Simplified,
		Tones:      ToneTable(m.Tones),
		Province:   m.Province,
		City:       m.City,
		County:     m.County,
		Town:       m.Town,
		Village:    m.Village,
		Hamlet:     m.Hamlet,
		Stored:     m.Stored,
	}
}

// Load reads a JSON or YAML reference table, picked by file extension. Both
// a bare list and an object wrapper { "locations": [...] } are accepted.
func Load(path string) ([]Location, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var locs []Location
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		locs, err = decodeYAML(raw)
	default:
		locs, err = decodeJSON(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", path, err)
	}

	for i := range locs {
		locs[i].Tag = strings.TrimSpace(locs[i].Tag)
		if locs[i].Tag == "" {
			return nil, fmt.Errorf("reference %s: entry %d has no tag", path, i)
		}
	}
	if err := CheckDuplicates(locs); err != nil {
		return nil, fmt.Errorf("reference %s: %w", path, err)
	}
	return locs, nil
}

// CheckDuplicates returns ErrDuplicateTag listing every repeated tag.
func CheckDuplicates(locs []Location) error {
	seen := make(map[string]int, len(locs))
	for _, l := range locs {
		seen[l.Tag]++
	}
	var dups []string
	for tag, n := range seen {
		if n > 1 {
			dups = append(dups, tag)
		}
	}
	if len(dups) == 0 {
		return nil
	}
	sort.Strings(dups)
	return fmt.Errorf("%w: %s", ErrDuplicateTag, strings.Join(dups, ", "))
}

func decodeJSON(raw []byte) ([]Location, error) {
	var wrapper struct {
		Locations []Location `json:"locations"`
	}
	// Try parsing as full object wrapper first { "locations": [...] }
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Locations) > 0 {
		return wrapper.Locations, nil
	}
	var entries []Location
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to parse reference as object or array: %w", err)
	}
	return entries, nil
}

func decodeYAML(raw []byte) ([]Location, error) {
	var wrapper struct {
		Locations []Location `yaml:"locations"`
	}
	if err := yaml.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Locations) > 0 {
		return wrapper.Locations, nil
	}
	var entries []Location
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse reference as mapping or list: %w", err)
	}
	return entries, nil
}

// Merge combines two tables per tag. The entry with more populated fields
// wins; ties go to preferred. Aliases of both are kept. The result is sorted
// by sort order, then tag.
func Merge(preferred, other []Location) []Location {
	byTag := make(map[string]Location, len(preferred)+len(other))
	var order []string
	for _, l := range preferred {
		if _, ok := byTag[l.Tag]; !ok {
			order = append(order, l.Tag)
		}
		byTag[l.Tag] = l
	}
	for _, l := range other {
		cur, ok := byTag[l.Tag]
		if !ok {
			byTag[l.Tag] = l
			order = append(order, l.Tag)
			continue
		}
		winner, loser := cur, l
		if l.Completeness() > cur.Completeness() {
			winner, loser = l, cur
		}
		winner.Aliases = unionStrings(winner.Aliases, loser.Aliases)
		byTag[l.Tag] = winner
	}

	out := make([]Location, 0, len(order))
	for _, tag := range order {
		out = append(out, byTag[tag])
	}
	SortLocations(out)
	return out
}

// SortLocations orders by sort order, then tag. Entries without a sort order go last.
func SortLocations(locs []Location) {
	sort.SliceStable(locs, func(i, j int) bool {
		a, b := locs[i], locs[j]
		if (a.SortOrder == "") != (b.SortOrder == "") {
			return a.SortOrder != ""
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.Tag < b.Tag
	})
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
