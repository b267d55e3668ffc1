package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/fangyan/pkg/db"
)

const referenceJSON = `{"locations": [
  {"tag": "廈門", "region": "閩-閩南", "sort_order": "A01", "tones": {"55": "陰平"}},
  {"tag": "廣州", "aliases": ["省城"], "region": "粵-廣府", "sort_order": "B01"},
  {"tag": "梅縣", "region": "客家", "sort_order": "C01", "simplified": true}
]}`

func fixture(t *testing.T) (ref, src, dbPath string) {
	t.Helper()
	tmp := t.TempDir()
	ref = filepath.Join(tmp, "locations.json")
	require.NoError(t, os.WriteFile(ref, []byte(referenceJSON), 0o644))

	src = filepath.Join(tmp, "tables")
	require.NoError(t, os.Mkdir(src, 0o755))
	tables := map[string]string{
		"厦门.tsv": "字\tIPA\t備註\n家\tka55\thome\n家\tka55\tfamily\n",
		"省城.tsv": "字\tIPA\n家\tka53\n",
		"梅县.csv": "char,IPA\n门,mun11\n",
	}
	for name, content := range tables {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}
	return ref, src, filepath.Join(tmp, "fangyan.db")
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), args, &out), out.String())
	return out.String()
}

func TestCLIIngestAndQuery(t *testing.T) {
	ref, src, dbPath := fixture(t)

	out := runCLI(t, "-db", dbPath, "-ref", ref, "-src", "survey="+src, "-mode", "full")
	assert.Contains(t, out, "Imported 3 reference locations")
	assert.Contains(t, out, "Wrote 4 readings for 3 locations")
	assert.Contains(t, out, "Processing complete")

	out = runCLI(t, "-db", dbPath, "-query", "家")
	assert.Contains(t, out, "home;family")
	assert.Contains(t, out, "陰平")

	conn, err := db.Open(dbPath)
	require.NoError(t, err)
	defer conn.Close()
	rows, err := db.ReadingsByCharacter(context.Background(), conn, "門")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "梅縣", rows[0].Location)
}

func TestCLISuggest(t *testing.T) {
	ref, src, dbPath := fixture(t)
	runCLI(t, "-db", dbPath, "-ref", ref, "-src", src, "-locations", "廈門")

	out := runCLI(t, "-db", dbPath, "-suggest", "厦门 火星")
	assert.Contains(t, out, "厦门: 廈門")
	assert.Contains(t, out, "火星: no match")

	out = runCLI(t, "-db", dbPath, "-suggest", "梅", "-stored-only")
	assert.Contains(t, out, "梅: no match", "梅縣 has no readings yet")
}

func TestCLIConsolidateOnly(t *testing.T) {
	ref, src, dbPath := fixture(t)
	runCLI(t, "-db", dbPath, "-ref", ref, "-src", src)

	out := runCLI(t, "-db", dbPath, "-consolidate-only")
	assert.Contains(t, out, "Consolidated 3 locations: 3 -> 3 readings, 0 conflicts")
}

func TestCLIRequiresInput(t *testing.T) {
	_, _, dbPath := fixture(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"-db", dbPath}, &out)
	assert.ErrorContains(t, err, "no reference locations")
}
