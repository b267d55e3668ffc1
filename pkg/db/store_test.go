package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, InitDB(conn))
	return conn
}

func TestUpsertLocationsKeepsStoredFlag(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)

	locs := []Location{
		{Tag: "廣州", Aliases: []string{"广州"}, Region: "粵-廣府", SortOrder: "B01", Tones: map[string]string{"55": "陰平"}},
		{Tag: "梅縣", Region: "客家-粵台", SortOrder: "A01", Town: "程江鎮"},
	}
	require.NoError(t, UpsertLocations(ctx, conn, locs))
	require.NoError(t, InsertReadings(ctx, conn, []Reading{{Location: "廣州", Character: "家", Syllable: "ka55"}}))
	n, err := SyncStoredFlags(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	locs[0].Region = "粵"
	require.NoError(t, UpsertLocations(ctx, conn, locs))

	got, err := ListLocations(ctx, conn)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "梅縣", got[0].Tag, "sorted by sort order")
	assert.Equal(t, "程江鎮", got[0].Town)
	assert.False(t, got[0].Stored)
	assert.Equal(t, "廣州", got[1].Tag)
	assert.Equal(t, "粵", got[1].Region)
	assert.Equal(t, []string{"广州"}, got[1].Aliases)
	assert.Equal(t, "陰平", got[1].Tones["55"])
	assert.True(t, got[1].Stored)
}

func TestReplaceReadings(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)

	require.NoError(t, InsertReadings(ctx, conn, []Reading{
		{Location: "廣州", Character: "行", Syllable: "hɔŋ21"},
		{Location: "廣州", Character: "行", Syllable: "hɐŋ21"},
		{Location: "梅縣", Character: "行", Syllable: "haŋ11"},
	}))

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, ReplaceReadings(ctx, tx, "廣州", []Reading{
		{Location: "廣州", Character: "行", Syllable: "hɔŋ21", Polyphonic: true},
	}))
	require.NoError(t, tx.Commit())

	got, err := ReadingsByLocation(ctx, conn, "廣州")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Polyphonic)

	other, err := ReadingsByLocation(ctx, conn, "梅縣")
	require.NoError(t, err)
	assert.Len(t, other, 1, "other locations untouched")

	err = ReplaceReadings(ctx, conn, "廣州", []Reading{{Location: "梅縣", Character: "行", Syllable: "x"}})
	assert.Error(t, err)
}

func TestReadingQueries(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)

	require.NoError(t, InsertReadings(ctx, conn, []Reading{
		{Location: "A", Character: "行", Syllable: "xing35", Polyphonic: true},
		{Location: "A", Character: "行", Syllable: "hang22", Polyphonic: true},
		{Location: "A", Character: "走", Syllable: "tsau35"},
		{Location: "B", Character: "行", Syllable: "haŋ11"},
		{Location: "C", Character: "行", Syllable: "ɦaŋ13"},
	}))

	byChar, err := ReadingsByCharacter(ctx, conn, "行")
	require.NoError(t, err)
	assert.Len(t, byChar, 4)

	byChar, err = ReadingsByCharacter(ctx, conn, "行", "B", "C")
	require.NoError(t, err)
	require.Len(t, byChar, 2)
	assert.Equal(t, "B", byChar[0].Location)
	assert.Equal(t, "C", byChar[1].Location)

	poly, err := Polyphones(ctx, conn, "A")
	require.NoError(t, err)
	assert.Len(t, poly, 2)

	locs, err := DistinctLocations(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, locs)
}

func TestInsertReadingsChunks(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)

	rows := make([]Reading, insertChunk*2+7)
	for i := range rows {
		rows[i] = Reading{Location: "A", Character: "字", Syllable: "tsɿ"}
	}
	require.NoError(t, InsertReadings(ctx, conn, rows))

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM readings`).Scan(&n))
	assert.Equal(t, len(rows), n)

	assert.Error(t, InsertReadings(ctx, conn, []Reading{{Location: "A"}}))
}

func TestRunsAndDiagnostics(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)

	id, err := CreateRun(ctx, conn, "full")
	require.NoError(t, err)

	require.NoError(t, SaveDiagnostics(ctx, conn, id, []Diagnostic{
		{Kind: "skipped_row", Location: "A", Source: "a.tsv", Detail: "row 3"},
		{Kind: "missing_tone", Location: "A", Detail: "家 ka"},
	}))
	require.NoError(t, FinishRun(ctx, conn, id, "ok", 1, 10))

	run, err := GetRun(ctx, conn, id)
	require.NoError(t, err)
	assert.Equal(t, "ok", run.Status)
	assert.Equal(t, "full", run.Mode)
	assert.Equal(t, 10, run.Readings)
	require.NotNil(t, run.FinishedAt)

	diags, err := RunDiagnostics(ctx, conn, id)
	require.NoError(t, err)
	require.Len(t, diags, 2)
	assert.Equal(t, "skipped_row", diags[0].Kind)
	assert.Equal(t, id, diags[1].RunID)

	assert.ErrorIs(t, FinishRun(ctx, conn, uuid.New(), "ok", 0, 0), sql.ErrNoRows)
}
