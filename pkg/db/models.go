package db

import (
	"time"

	"github.com/google/uuid"
)

// Location is a canonical dialect location.
type Location struct {
	Tag        string
	Aliases    []string
	Region     string
	SortOrder  string
	Simplified bool
	Tones      map[string]string
	Province   string
	City       string
	County     string
	Town       string
	Village    string
	Hamlet     string
	// Stored is set once the location has at least one reading.
	Stored bool
}

// Reading is one character reading at one location.
type Reading struct {
	ID          int64
	Location    string
	Character   string
	Syllable    string
	Onset       string
	Rime        string
	Tone        string
	ToneClass   string
	Note        string
	Polyphonic  bool
	NeedsReview bool
}

// ImportRun records one pipeline invocation.
type ImportRun struct {
	ID         uuid.UUID
	Mode       string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Locations  int
	Readings   int
}

// Diagnostic is a persisted non-fatal finding of a run.
type Diagnostic struct {
	RunID    uuid.UUID
	Kind     string
	Location string
	Source   string
	Detail   string
}
