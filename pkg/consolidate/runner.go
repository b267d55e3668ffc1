package consolidate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/japaniel/fangyan/pkg/db"
	"github.com/japaniel/fangyan/pkg/diag"
)

// Stats summarizes a consolidation pass.
type Stats struct {
	Locations int
	Before    int
	After     int
	Conflicts int
}

// Runner applies Consolidate to stored readings, one location per transaction.
type Runner struct {
	DB *sql.DB
	// Separator joins merged notes. Empty means ";".
	Separator string
	Logger    *slog.Logger
	Diag      *diag.Collector
}

// NewRunner returns a Runner with the default separator and logger.
func NewRunner(conn *sql.DB) *Runner {
	return &Runner{DB: conn, Separator: ";", Logger: slog.Default()}
}

// Run consolidates only the named locations. Locations that fail are
// reported and skipped; their errors are joined into the result.
func (r *Runner) Run(ctx context.Context, locations []string) (Stats, error) {
	var st Stats
	var errs []error
	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		before, after, conflicts, err := r.Location(ctx, loc)
		if err != nil {
			r.logger().Error("consolidation failed", "location", loc, "error", err)
			r.Diag.Addf(diag.KindLocationFailed, loc, "", "consolidate: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", loc, err))
			continue
		}
		st.Locations++
		st.Before += before
		st.After += after
		st.Conflicts += conflicts
	}
	return st, errors.Join(errs...)
}

// RunAll recomputes every location that has readings.
func (r *Runner) RunAll(ctx context.Context) (Stats, error) {
	locs, err := db.DistinctLocations(ctx, r.DB)
	if err != nil {
		return Stats{}, err
	}
	return r.Run(ctx, locs)
}

// Location consolidates one location inside a single transaction.
func (r *Runner) Location(ctx context.Context, location string) (before, after, conflicts int, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := db.ReadingsByLocation(ctx, tx, location)
	if err != nil {
		return 0, 0, 0, err
	}
	merged, found := Consolidate(rows, r.Separator)
	for _, c := range found {
		r.logger().Warn("conflicting decompositions", "location", c.Location, "character", c.Character, "syllable", c.Syllable)
		r.Diag.Add(diag.Entry{Kind: diag.KindDecompConflict, Location: c.Location, Detail: c.String()})
	}
	if err := db.ReplaceReadings(ctx, tx, location, merged); err != nil {
		return 0, 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("commit: %w", err)
	}
	r.logger().Debug("location consolidated", "location", location, "before", len(rows), "after", len(merged))
	return len(rows), len(merged), len(found), nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
