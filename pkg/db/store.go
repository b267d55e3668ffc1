package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// DBExecutor is an interface that allows methods to accept either *sql.DB or *sql.Tx
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// insertChunk bounds the number of rows per multi-value INSERT.
const insertChunk = 200

var readingColumns = []string{
	"id", "location", "character", "syllable", "onset", "rime",
	"tone", "tone_class", "note", "polyphonic", "needs_review",
}

var locationColumns = []string{
	"tag", "aliases", "region", "sort_order", "simplified", "tones",
	"province", "city", "county", "town", "village", "hamlet", "stored",
}

// UpsertLocations inserts or refreshes reference rows. The stored flag is
// left untouched on existing rows.
func UpsertLocations(ctx context.Context, db DBExecutor, locs []Location) error {
	for start := 0; start < len(locs); start += insertChunk {
		end := min(start+insertChunk, len(locs))
		q := squirrel.Insert("locations").Columns(locationColumns[:12]...)
		for _, l := range locs[start:end] {
			tag := strings.TrimSpace(l.Tag)
			if tag == "" {
				return fmt.Errorf("location tag must be non-empty")
			}
			aliases, err := json.Marshal(nonNilStrings(l.Aliases))
			if err != nil {
				return fmt.Errorf("encode aliases for %s: %w", tag, err)
			}
			tones, err := json.Marshal(nonNilMap(l.Tones))
			if err != nil {
				return fmt.Errorf("encode tones for %s: %w", tag, err)
			}
			q = q.Values(tag, string(aliases), l.Region, l.SortOrder, l.Simplified, string(tones),
				l.Province, l.City, l.County, l.Town, l.Village, l.Hamlet)
		}
		q = q.Suffix(`ON CONFLICT(tag) DO UPDATE SET
			aliases = excluded.aliases,
			region = excluded.region,
			sort_order = excluded.sort_order,
			simplified = excluded.simplified,
			tones = excluded.tones,
			province = excluded.province,
			city = excluded.city,
			county = excluded.county,
			town = excluded.town,
			village = excluded.village,
			hamlet = excluded.hamlet`)
		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build location upsert: %w", err)
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert locations: %w", err)
		}
	}
	return nil
}

// ListLocations returns every location in canonical sort order.
func ListLocations(ctx context.Context, db DBExecutor) ([]Location, error) {
	query, args, err := squirrel.Select(locationColumns...).
		From("locations").
		OrderBy("sort_order = ''", "sort_order", "tag").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var l Location
		var aliases, tones string
		if err := rows.Scan(&l.Tag, &aliases, &l.Region, &l.SortOrder, &l.Simplified, &tones,
			&l.Province, &l.City, &l.County, &l.Town, &l.Village, &l.Hamlet, &l.Stored); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(aliases), &l.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases for %s: %w", l.Tag, err)
		}
		if err := json.Unmarshal([]byte(tones), &l.Tones); err != nil {
			return nil, fmt.Errorf("decode tones for %s: %w", l.Tag, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertReadings appends rows. IDs on the input are ignored.
func InsertReadings(ctx context.Context, db DBExecutor, readings []Reading) error {
	for start := 0; start < len(readings); start += insertChunk {
		end := min(start+insertChunk, len(readings))
		q := squirrel.Insert("readings").Columns(readingColumns[1:]...)
		for _, r := range readings[start:end] {
			if r.Location == "" || r.Character == "" {
				return fmt.Errorf("reading must have location and character")
			}
			q = q.Values(r.Location, r.Character, r.Syllable, r.Onset, r.Rime,
				r.Tone, r.ToneClass, r.Note, r.Polyphonic, r.NeedsReview)
		}
		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build reading insert: %w", err)
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert readings: %w", err)
		}
	}
	return nil
}

// DeleteReadings removes all rows of one location and reports how many were removed.
func DeleteReadings(ctx context.Context, db DBExecutor, location string) (int64, error) {
	query, args, err := squirrel.Delete("readings").Where(squirrel.Eq{"location": location}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete readings of %s: %w", location, err)
	}
	return res.RowsAffected()
}

// ReplaceReadings swaps the rows of one location for readings. Run it inside
// a transaction so readers never see the location half-written.
func ReplaceReadings(ctx context.Context, db DBExecutor, location string, readings []Reading) error {
	for i := range readings {
		if readings[i].Location != location {
			return fmt.Errorf("reading for %q submitted while replacing %q", readings[i].Location, location)
		}
	}
	if _, err := DeleteReadings(ctx, db, location); err != nil {
		return err
	}
	return InsertReadings(ctx, db, readings)
}

// ReadingsByLocation returns a location's rows in insertion order.
func ReadingsByLocation(ctx context.Context, db DBExecutor, location string) ([]Reading, error) {
	return queryReadings(ctx, db, squirrel.Select(readingColumns...).
		From("readings").
		Where(squirrel.Eq{"location": location}).
		OrderBy("id"))
}

// ReadingsByCharacter returns every reading of char, optionally restricted to locations.
func ReadingsByCharacter(ctx context.Context, db DBExecutor, char string, locations ...string) ([]Reading, error) {
	q := squirrel.Select(readingColumns...).
		From("readings").
		Where(squirrel.Eq{"character": char})
	if len(locations) > 0 {
		q = q.Where(squirrel.Eq{"location": locations})
	}
	return queryReadings(ctx, db, q.OrderBy("location", "id"))
}

// Polyphones returns the polyphonic rows of a location grouped by character.
func Polyphones(ctx context.Context, db DBExecutor, location string) ([]Reading, error) {
	return queryReadings(ctx, db, squirrel.Select(readingColumns...).
		From("readings").
		Where(squirrel.Eq{"location": location, "polyphonic": true}).
		OrderBy("character", "id"))
}

// DistinctLocations lists the locations that currently have readings.
func DistinctLocations(ctx context.Context, db DBExecutor) ([]string, error) {
	query, args, err := squirrel.Select("DISTINCT location").From("readings").OrderBy("location").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("distinct locations: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// SyncStoredFlags sets locations.stored from the presence of readings and
// returns the number of stored locations.
func SyncStoredFlags(ctx context.Context, db DBExecutor) (int, error) {
	query, args, err := squirrel.Update("locations").
		Set("stored", squirrel.Expr("CASE WHEN tag IN (SELECT DISTINCT location FROM readings) THEN 1 ELSE 0 END")).
		ToSql()
	if err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("sync stored flags: %w", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations WHERE stored = 1`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CreateRun opens an import run record and returns its id.
func CreateRun(ctx context.Context, db DBExecutor, mode string) (uuid.UUID, error) {
	id := uuid.New()
	query, args, err := squirrel.Insert("import_runs").
		Columns("id", "mode", "status", "started_at").
		Values(id.String(), mode, "running", time.Now().UTC()).
		ToSql()
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return uuid.Nil, fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinishRun closes a run with its final status and counts.
func FinishRun(ctx context.Context, db DBExecutor, id uuid.UUID, status string, locations, readings int) error {
	query, args, err := squirrel.Update("import_runs").
		Set("status", status).
		Set("finished_at", time.Now().UTC()).
		Set("locations", locations).
		Set("readings", readings).
		Where(squirrel.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GetRun loads one run record.
func GetRun(ctx context.Context, db DBExecutor, id uuid.UUID) (ImportRun, error) {
	query, args, err := squirrel.Select("id", "mode", "status", "started_at", "finished_at", "locations", "readings").
		From("import_runs").
		Where(squirrel.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return ImportRun{}, err
	}
	var run ImportRun
	var rawID string
	var finished sql.NullTime
	if err := db.QueryRowContext(ctx, query, args...).Scan(&rawID, &run.Mode, &run.Status, &run.StartedAt, &finished, &run.Locations, &run.Readings); err != nil {
		return ImportRun{}, err
	}
	if run.ID, err = uuid.Parse(rawID); err != nil {
		return ImportRun{}, fmt.Errorf("parse run id: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// SaveDiagnostics persists the findings of a run.
func SaveDiagnostics(ctx context.Context, db DBExecutor, runID uuid.UUID, diags []Diagnostic) error {
	for start := 0; start < len(diags); start += insertChunk {
		end := min(start+insertChunk, len(diags))
		q := squirrel.Insert("diagnostics").Columns("run_id", "kind", "location", "source", "detail")
		for _, d := range diags[start:end] {
			q = q.Values(runID.String(), d.Kind, d.Location, d.Source, d.Detail)
		}
		query, args, err := q.ToSql()
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("save diagnostics: %w", err)
		}
	}
	return nil
}

// RunDiagnostics returns the findings of one run in insertion order.
func RunDiagnostics(ctx context.Context, db DBExecutor, runID uuid.UUID) ([]Diagnostic, error) {
	query, args, err := squirrel.Select("kind", "location", "source", "detail").
		From("diagnostics").
		Where(squirrel.Eq{"run_id": runID.String()}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("run diagnostics: %w", err)
	}
	defer rows.Close()
	var out []Diagnostic
	for rows.Next() {
		d := Diagnostic{RunID: runID}
		if err := rows.Scan(&d.Kind, &d.Location, &d.Source, &d.Detail); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func queryReadings(ctx context.Context, db DBExecutor, q squirrel.SelectBuilder) ([]Reading, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()
	var out []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.ID, &r.Location, &r.Character, &r.Syllable, &r.Onset, &r.Rime,
			&r.Tone, &r.ToneClass, &r.Note, &r.Polyphonic, &r.NeedsReview); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
