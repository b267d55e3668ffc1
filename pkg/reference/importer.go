package reference

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/japaniel/fangyan/pkg/db"
)

// Importer writes a reference table to the locations table.
type Importer struct {
	conn *sql.DB
	locs []Location
}

// NewImporter creates an importer for locs.
func NewImporter(conn *sql.DB, locs []Location) *Importer {
	return &Importer{conn: conn, locs: locs}
}

// Import upserts every location in one transaction and returns how many were written.
func (im *Importer) Import(ctx context.Context) (int, error) {
	if err := CheckDuplicates(im.locs); err != nil {
		return 0, err
	}
	models := make([]db.Location, 0, len(im.locs))
	for _, l := range im.locs {
		models = append(models, l.Model())
	}

	tx, err := im.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reference import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.UpsertLocations(ctx, tx, models); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reference import: %w", err)
	}
	return len(models), nil
}

// LoadStored reads the locations table back into reference form.
func LoadStored(ctx context.Context, conn db.DBExecutor) ([]Location, error) {
	models, err := db.ListLocations(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := make([]Location, 0, len(models))
	for _, m := range models {
		out = append(out, FromModel(m))
	}
	return out, nil
}
