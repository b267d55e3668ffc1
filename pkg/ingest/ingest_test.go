package ingest

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/fangyan/pkg/db"
	"github.com/japaniel/fangyan/pkg/diag"
	"github.com/japaniel/fangyan/pkg/reference"
	"github.com/japaniel/fangyan/pkg/resolver"
	"github.com/japaniel/fangyan/pkg/source"
)

type runeMap map[rune]rune

func (m runeMap) Convert(s string) (string, error) {
	return strings.Map(func(r rune) rune {
		if to, ok := m[r]; ok {
			return to
		}
		return r
	}, s), nil
}

var (
	testS2T = runeMap{'广': '廣', '县': '縣', '门': '門'}
	testT2S = runeMap{'廣': '广', '縣': '县', '門': '门'}
)

func testLocations() []reference.Location {
	return []reference.Location{
		{Tag: "廈門", Region: "閩-閩南", SortOrder: "A01", Tones: reference.ToneTable{"55": "陰平", "24": "陽平"}},
		{Tag: "广州", Region: "粵-廣府", SortOrder: "B01"},
		{Tag: "梅縣", Region: "客家", SortOrder: "C01", Simplified: true},
	}
}

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.InitDB(conn))

	_, err = reference.NewImporter(conn, testLocations()).Import(context.Background())
	require.NoError(t, err)
	return conn
}

func writeSources(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"廈門.tsv": "#字\t音標\t備註\n" +
			"家\tka55\thome\n" +
			"家\tka55\tfamily\n" +
			"行\thang24;kia24\t\n" +
			"二\tli\t\n" +
			"天\t\t\n",
		"廣州.tsv": "字\tIPA\n家\tka55\n",
		"梅县.csv": "char,IPA\n家,ka44\n门,mun11\n",
		"火星.tsv": "字\tIPA\n家\tka55\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func newTestIngester(t *testing.T, conn *sql.DB) *Ingester {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := resolver.New(nil, testLocations(), resolver.Options{
		Converters: resolver.Converters{S2T: testS2T, T2S: testT2S},
		Logger:     logger,
	})
	require.NoError(t, err)
	ig := NewIngester(conn, res, nil)
	ig.S2T = testS2T
	ig.Logger = logger
	return ig
}

func discover(t *testing.T, dir string) []source.File {
	t.Helper()
	files, err := source.Discover(dir, "test")
	require.NoError(t, err)
	return files
}

func TestIngestFullRun(t *testing.T) {
	ctx := context.Background()
	conn := setupDB(t)
	ig := newTestIngester(t, conn)

	report, err := ig.Ingest(ctx, discover(t, writeSources(t)), Options{Mode: ModeFull})
	require.NoError(t, err)

	assert.Equal(t, []string{"廈門", "广州", "梅縣"}, report.Locations)
	assert.Equal(t, 8, report.Readings)
	assert.Equal(t, 7, report.Consolidation.After)
	assert.Equal(t, 3, report.StoredLocations)
	require.Len(t, report.Unmatched, 1)
	assert.Contains(t, report.Unmatched[0], "火星")

	amoy, err := db.ReadingsByLocation(ctx, conn, "廈門")
	require.NoError(t, err)
	require.Len(t, amoy, 4)
	byKey := make(map[string]db.Reading)
	for _, r := range amoy {
		byKey[r.Character+r.Syllable] = r
	}
	assert.Equal(t, "home;family", byKey["家ka55"].Note)
	assert.Equal(t, "陰平", byKey["家ka55"].ToneClass)
	assert.True(t, byKey["行hang24"].Polyphonic)
	assert.True(t, byKey["行kia24"].Polyphonic)
	assert.True(t, byKey["二li"].NeedsReview)
	assert.Equal(t, "l", byKey["二li"].Onset)

	hakka, err := db.ReadingsByLocation(ctx, conn, "梅縣")
	require.NoError(t, err)
	chars := make([]string, 0, len(hakka))
	for _, r := range hakka {
		chars = append(chars, r.Character)
	}
	assert.ElementsMatch(t, []string{"家", "門"}, chars, "simplified tables are converted")

	counts := make(map[diag.Kind]int)
	for _, e := range report.Diagnostics {
		counts[e.Kind]++
	}
	assert.Equal(t, 1, counts[diag.KindUnmatchedSource])
	assert.Equal(t, 1, counts[diag.KindSkippedRow])
	assert.Equal(t, 1, counts[diag.KindMissingTone])

	run, err := db.GetRun(ctx, conn, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ok", run.Status)
	assert.Equal(t, "full", run.Mode)
	assert.Equal(t, 3, run.Locations)
	require.NotNil(t, run.FinishedAt)

	saved, err := db.RunDiagnostics(ctx, conn, report.RunID)
	require.NoError(t, err)
	assert.Len(t, saved, len(report.Diagnostics))
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := setupDB(t)
	ig := newTestIngester(t, conn)
	files := discover(t, writeSources(t))

	snapshot := func() map[string][]db.Reading {
		out := make(map[string][]db.Reading)
		for _, loc := range []string{"廈門", "广州", "梅縣"} {
			rows, err := db.ReadingsByLocation(ctx, conn, loc)
			require.NoError(t, err)
			for i := range rows {
				rows[i].ID = 0
			}
			out[loc] = rows
		}
		return out
	}

	_, err := ig.Ingest(ctx, files, Options{Mode: ModeFull})
	require.NoError(t, err)
	first := snapshot()

	_, err = ig.Ingest(ctx, files, Options{Mode: ModeFull})
	require.NoError(t, err)
	assert.Equal(t, first, snapshot())
}

func TestIngestIncrementalLeavesOtherLocations(t *testing.T) {
	ctx := context.Background()
	conn := setupDB(t)
	ig := newTestIngester(t, conn)
	dir := writeSources(t)

	_, err := ig.Ingest(ctx, discover(t, dir), Options{Mode: ModeFull})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "廣州.tsv"), []byte("字\tIPA\n家\tka53\n人\tjan21\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "梅县.csv"), []byte("char,IPA\n家,ka55\n"), 0o644))

	report, err := ig.Ingest(ctx, discover(t, dir), Options{Mode: ModeIncremental, Locations: []string{"广州"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"广州"}, report.Locations)
	assert.Equal(t, 1, report.Consolidation.Locations)

	canton, err := db.ReadingsByLocation(ctx, conn, "广州")
	require.NoError(t, err)
	assert.Len(t, canton, 2)

	hakka, err := db.ReadingsByLocation(ctx, conn, "梅縣")
	require.NoError(t, err)
	require.Len(t, hakka, 2, "locations outside the run are not rewritten")
	for _, r := range hakka {
		assert.NotEqual(t, "ka55", r.Syllable)
	}
}

func TestIngestPartitionFilter(t *testing.T) {
	conn := setupDB(t)
	ig := newTestIngester(t, conn)

	report, err := ig.Ingest(context.Background(), discover(t, writeSources(t)), Options{Partitions: []string{"粵"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"广州"}, report.Locations)
}

func TestIngestWorkersKeepCanonicalOrder(t *testing.T) {
	conn := setupDB(t)
	ig := newTestIngester(t, conn)
	ig.Workers = 3
	ig.BatchSize = 2

	var progress []int
	ig.OnProgress = func(current, total int) {
		assert.Equal(t, 3, total)
		progress = append(progress, current)
	}

	report, err := ig.Ingest(context.Background(), discover(t, writeSources(t)), Options{Mode: ModeFull})
	require.NoError(t, err)
	assert.Equal(t, []string{"廈門", "广州", "梅縣"}, report.Locations)
	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestIngestUnreadableTableIsSkipped(t *testing.T) {
	conn := setupDB(t)
	ig := newTestIngester(t, conn)
	dir := writeSources(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "廣州.tsv"), []byte("foo\tbar\n家\tka55\n"), 0o644))

	report, err := ig.Ingest(context.Background(), discover(t, dir), Options{Mode: ModeFull})
	require.NoError(t, err)
	assert.Equal(t, []string{"廈門", "梅縣"}, report.Locations)

	var failed []diag.Entry
	for _, e := range report.Diagnostics {
		if e.Kind == diag.KindLocationFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "广州", failed[0].Location)
}

func TestIngestContextCancel(t *testing.T) {
	conn := setupDB(t)
	ig := newTestIngester(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ig.OnProgress = func(current, total int) {
		if current == 1 {
			cancel()
		}
	}

	report, err := ig.Ingest(ctx, discover(t, writeSources(t)), Options{Mode: ModeFull})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, []string{"廈門"}, report.Locations)

	run, err := db.GetRun(context.Background(), conn, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", run.Status)

	canton, err := db.ReadingsByLocation(context.Background(), conn, "广州")
	require.NoError(t, err)
	assert.Empty(t, canton)
}

func TestIngestFailedBatchRollsBackEveryLocation(t *testing.T) {
	ctx := context.Background()
	conn := setupDB(t)
	_, err := conn.Exec(`CREATE TRIGGER reject_canton BEFORE INSERT ON readings
		WHEN NEW.location = '广州'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	ig := newTestIngester(t, conn)
	ig.BatchSize = 2

	report, err := ig.Ingest(ctx, discover(t, writeSources(t)), Options{})
	require.ErrorIs(t, err, ErrPartialWrite)
	require.NotNil(t, report)
	assert.Equal(t, []string{"梅縣"}, report.Locations)
	assert.Equal(t, []string{"廈門", "广州"}, report.Failed)
	assert.Equal(t, 2, report.Readings)

	amoy, err := db.ReadingsByLocation(ctx, conn, "廈門")
	require.NoError(t, err)
	assert.Empty(t, amoy, "the whole batch was rolled back")

	hakka, err := db.ReadingsByLocation(ctx, conn, "梅縣")
	require.NoError(t, err)
	assert.Len(t, hakka, 2)

	var writeFailures int
	for _, e := range report.Diagnostics {
		if e.Kind == diag.KindLocationFailed {
			writeFailures++
		}
	}
	assert.Equal(t, 1, writeFailures)

	run, err := db.GetRun(ctx, conn, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, "partial", run.Status)
	assert.Equal(t, 1, run.Locations)
	assert.Equal(t, 2, run.Readings)
}
