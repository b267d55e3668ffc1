// Package diag accumulates non-fatal findings of a pipeline run so they can be
// reported in bulk once the run ends.
package diag

import (
	"fmt"
	"sort"
	"sync"
)

// Kind classifies a diagnostic.
type Kind string

const (
	KindSkippedRow        Kind = "skipped_row"
	KindMissingTone       Kind = "missing_tone"
	KindNeedsReview       Kind = "needs_review"
	KindUnmatchedSource   Kind = "unmatched_source"
	KindAmbiguousMatch    Kind = "ambiguous_match"
	KindDecompConflict    Kind = "decomposition_conflict"
	KindLocationFailed    Kind = "location_failed"
	KindReferenceConflict Kind = "reference_conflict"
)

// Entry is one finding.
type Entry struct {
	Kind     Kind
	Location string
	Source   string
	Detail   string
}

func (e Entry) String() string {
	loc := e.Location
	if loc == "" {
		loc = "-"
	}
	if e.Source != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", e.Kind, loc, e.Source, e.Detail)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, loc, e.Detail)
}

// Collector is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
}

// Add records an entry. A nil Collector discards it.
func (c *Collector) Add(e Entry) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

// Addf records an entry with a formatted detail.
func (c *Collector) Addf(kind Kind, location, source, format string, args ...any) {
	c.Add(Entry{Kind: kind, Location: location, Source: source, Detail: fmt.Sprintf(format, args...)})
}

// Entries returns a copy of everything recorded so far, in insertion order.
func (c *Collector) Entries() []Entry {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Collector) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Counts tallies entries per kind.
func (c *Collector) Counts() map[Kind]int {
	counts := make(map[Kind]int)
	for _, e := range c.Entries() {
		counts[e.Kind]++
	}
	return counts
}

// Summary renders "kind=n" pairs sorted by kind.
func (c *Collector) Summary() []string {
	counts := c.Counts()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, fmt.Sprintf("%s=%d", k, counts[Kind(k)]))
	}
	return out
}
