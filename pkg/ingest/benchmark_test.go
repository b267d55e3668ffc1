package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/japaniel/fangyan/pkg/db"
	"github.com/japaniel/fangyan/pkg/reference"
	"github.com/japaniel/fangyan/pkg/resolver"
	"github.com/japaniel/fangyan/pkg/source"
)

var benchInitials = []string{"p", "t", "k", "m", "n", "ŋ", "s", "h", "l", "ts"}
var benchFinals = []string{"a", "i", "u", "ai", "au", "an", "aŋ", "ɔ", "ei", "ia"}

// generateBenchmarkTables writes n tables of rows readings each.
func generateBenchmarkTables(b *testing.B, n, rows int) ([]reference.Location, []source.File) {
	dir := b.TempDir()
	var locs []reference.Location
	for i := 0; i < n; i++ {
		tag := fmt.Sprintf("點%03d", i)
		locs = append(locs, reference.Location{Tag: tag, SortOrder: fmt.Sprintf("%03d", i)})

		var sb strings.Builder
		sb.WriteString("字\tIPA\t備註\n")
		for r := 0; r < rows; r++ {
			syl := benchInitials[r%len(benchInitials)] + benchFinals[(r/len(benchInitials))%len(benchFinals)]
			fmt.Fprintf(&sb, "%c\t%s%d\tnote%d\n", rune(0x4e00+r), syl, 21+r%4*11, r%3)
		}
		if err := os.WriteFile(filepath.Join(dir, tag+".tsv"), []byte(sb.String()), 0o644); err != nil {
			b.Fatal(err)
		}
	}
	files, err := source.Discover(dir, "bench")
	if err != nil {
		b.Fatal(err)
	}
	return locs, files
}

func BenchmarkIngestConcurrencyScaling(b *testing.B) {
	// Compare different worker counts.
	counts := []int{1, 2, 4, 8}
	locs, files := generateBenchmarkTables(b, 16, 500)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	res, err := resolver.New(nil, locs, resolver.Options{Logger: logger})
	if err != nil {
		b.Fatal(err)
	}

	for _, workers := range counts {
		b.Run(fmt.Sprintf("Workers_%d", workers), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				conn, err := db.Open(filepath.Join(b.TempDir(), "bench.db"))
				if err != nil {
					b.Fatal(err)
				}
				// Optimize SQLite for performance to focus on application throughput
				_, _ = conn.Exec("PRAGMA synchronous = OFF")
				if err := db.InitDB(conn); err != nil {
					conn.Close()
					b.Fatalf("failed to init db: %v", err)
				}

				ingester := NewIngester(conn, res, nil)
				ingester.Logger = logger
				ingester.Workers = workers
				ingester.BatchSize = 4 // Keep batch size constant
				b.StartTimer()

				_, err = ingester.Ingest(context.Background(), files, Options{Mode: ModeFull})
				b.StopTimer()
				if err != nil {
					conn.Close()
					b.Fatalf("Ingest failed: %v", err)
				}
				conn.Close()
			}
		})
	}
}
