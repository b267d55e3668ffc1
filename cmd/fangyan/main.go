package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/japaniel/fangyan/pkg/config"
	"github.com/japaniel/fangyan/pkg/consolidate"
	"github.com/japaniel/fangyan/pkg/db"
	"github.com/japaniel/fangyan/pkg/diag"
	"github.com/japaniel/fangyan/pkg/ingest"
	"github.com/japaniel/fangyan/pkg/phonology"
	"github.com/japaniel/fangyan/pkg/reference"
	"github.com/japaniel/fangyan/pkg/resolver"
	"github.com/japaniel/fangyan/pkg/source"
)

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	// Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("fangyan", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to YAML config (environment only when empty)")
	dbFlag := fs.String("db", "", "Path to SQLite database")
	refFlag := fs.String("ref", "", "Reference location table (JSON or YAML)")
	legacyFlag := fs.String("legacy-ref", "", "Older reference table merged under -ref")
	tablesFlag := fs.String("tables", "", "Phonology tables override (YAML)")
	modeFlag := fs.String("mode", "", "full or incremental")
	locationsFlag := fs.String("locations", "", "Comma-separated canonical tags to ingest or consolidate")
	partitionsFlag := fs.String("partitions", "", "Comma-separated partition heads")
	workersFlag := fs.Int("workers", 0, "Number of parse workers")
	consolidateOnly := fs.Bool("consolidate-only", false, "Only consolidate stored readings")
	suggestFlag := fs.String("suggest", "", "Suggest locations for the given search terms and exit")
	storedOnly := fs.Bool("stored-only", false, "Limit suggestions to locations with readings")
	queryFlag := fs.String("query", "", "Print the stored readings of a character and exit")
	var srcFlag listFlag
	fs.Var(&srcFlag, "src", "Source directory as origin=dir (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if *dbFlag != "" {
		cfg.DB = *dbFlag
	}
	if *refFlag != "" {
		cfg.Reference.Path = *refFlag
	}
	if *legacyFlag != "" {
		cfg.Reference.Legacy = *legacyFlag
	}
	if *tablesFlag != "" {
		cfg.Tables = *tablesFlag
	}
	if *modeFlag != "" {
		cfg.Ingest.Mode = *modeFlag
	}
	if *workersFlag > 0 {
		cfg.Ingest.Workers = *workersFlag
	}
	if len(srcFlag) > 0 {
		cfg.Sources = srcFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log)

	tables := phonology.Default()
	if cfg.Tables != "" {
		if tables, err = phonology.LoadFile(cfg.Tables); err != nil {
			return err
		}
	}

	// Initialize DB
	conn, err := db.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()
	if err := db.InitDBContext(ctx, conn); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	fmt.Fprintf(out, "Database initialized at %s\n", cfg.DB)

	if err := importReference(ctx, conn, cfg.Reference, out); err != nil {
		return err
	}
	locs, err := reference.LoadStored(ctx, conn)
	if err != nil {
		return err
	}
	if len(locs) == 0 {
		return errors.New("no reference locations; provide -ref")
	}

	locations := splitList(*locationsFlag)

	if *queryFlag != "" {
		return printReadings(ctx, conn, *queryFlag, locations, out)
	}

	if *consolidateOnly {
		runner := consolidate.NewRunner(conn)
		runner.Separator = tables.NoteSeparator()
		runner.Logger = logger
		var st consolidate.Stats
		if cfg.Ingest.Mode == string(ingest.ModeFull) || len(locations) == 0 {
			st, err = runner.RunAll(ctx)
		} else {
			st, err = runner.Run(ctx, locations)
		}
		if err != nil {
			return err
		}
		if _, err := db.SyncStoredFlags(ctx, conn); err != nil {
			return err
		}
		fmt.Fprintf(out, "Consolidated %d locations: %d -> %d readings, %d conflicts\n", st.Locations, st.Before, st.After, st.Conflicts)
		return nil
	}

	convs, err := resolver.DefaultConverters()
	if err != nil {
		return fmt.Errorf("load converters: %w", err)
	}
	policy := resolver.PreferNewest()
	if cfg.Resolver.Policy == "origin" {
		policy = resolver.PreferOrigin(cfg.Resolver.PreferredOrigins...)
	}
	res, err := resolver.New(tables, locs, resolver.Options{
		Converters:          convs,
		Policy:              policy,
		Logger:              logger,
		SimilarityThreshold: cfg.Resolver.SimilarityThreshold,
		PinyinThreshold:     cfg.Resolver.PinyinThreshold,
	})
	if err != nil {
		return err
	}

	if *suggestFlag != "" {
		for _, ts := range res.SuggestAll(*suggestFlag, resolver.SuggestOptions{StoredOnly: *storedOnly}) {
			if len(ts.Suggestions) == 0 {
				fmt.Fprintf(out, "%s: no match\n", ts.Term)
				continue
			}
			parts := make([]string, 0, len(ts.Suggestions))
			for _, s := range ts.Suggestions {
				parts = append(parts, fmt.Sprintf("%s (%s %.2f)", s.Tag, s.Kind, s.Score))
			}
			fmt.Fprintf(out, "%s: %s\n", ts.Term, strings.Join(parts, ", "))
		}
		return nil
	}

	dirs, err := cfg.SourceDirs()
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return errors.New("please provide -src origin=dir, -suggest, -query or -consolidate-only")
	}
	var files []source.File
	for _, d := range dirs {
		found, err := source.Discover(d.Dir, d.Origin)
		if err != nil {
			return err
		}
		files = append(files, found...)
	}
	fmt.Fprintf(out, "Found %d source tables in %d directories\n", len(files), len(dirs))

	ingester := ingest.NewIngester(conn, res, tables)
	ingester.S2T = convs.S2T
	ingester.Logger = logger
	ingester.Workers = cfg.Ingest.Workers
	ingester.BatchSize = cfg.Ingest.BatchSize

	start := time.Now()
	report, err := ingester.Ingest(ctx, files, ingest.Options{
		Mode:       ingest.Mode(cfg.Ingest.Mode),
		Locations:  locations,
		Partitions: splitList(*partitionsFlag),
	})
	if report != nil {
		printReport(out, report, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	fmt.Fprintln(out, "Processing complete.")
	return nil
}

func importReference(ctx context.Context, conn *sql.DB, cfg config.ReferenceConfig, out io.Writer) error {
	if cfg.Path == "" {
		if cfg.Legacy != "" {
			return errors.New("a legacy reference table needs -ref as well")
		}
		return nil
	}
	locs, err := reference.Load(cfg.Path)
	if err != nil {
		return err
	}
	if cfg.Legacy != "" {
		legacy, err := reference.Load(cfg.Legacy)
		if err != nil {
			return err
		}
		locs = reference.Merge(locs, legacy)
	}
	n, err := reference.NewImporter(conn, locs).Import(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Imported %d reference locations\n", n)
	return nil
}

func printReadings(ctx context.Context, conn *sql.DB, char string, locations []string, out io.Writer) error {
	rows, err := db.ReadingsByCharacter(ctx, conn, char, locations...)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintf(out, "%s: no readings\n", char)
		return nil
	}
	for _, r := range rows {
		flags := ""
		if r.Polyphonic {
			flags += " [polyphonic]"
		}
		if r.NeedsReview {
			flags += " [review]"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s|%s|%s %s\t%s%s\n", r.Location, r.Character, r.Syllable, r.Onset, r.Rime, r.Tone, r.ToneClass, r.Note, flags)
	}
	return nil
}

func printReport(out io.Writer, r *ingest.Report, elapsed time.Duration) {
	fmt.Fprintf(out, "Run %s (%s) finished in %v\n", r.RunID, r.Mode, elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "Wrote %d readings for %d locations\n", r.Readings, len(r.Locations))
	fmt.Fprintf(out, "Consolidated %d locations: %d -> %d readings, %d conflicts\n",
		r.Consolidation.Locations, r.Consolidation.Before, r.Consolidation.After, r.Consolidation.Conflicts)
	fmt.Fprintf(out, "%d locations have readings\n", r.StoredLocations)
	for _, p := range r.Unmatched {
		fmt.Fprintf(out, "Unmatched source: %s\n", p)
	}
	for _, tag := range r.Failed {
		fmt.Fprintf(out, "Not written: %s\n", tag)
	}
	if len(r.Diagnostics) > 0 {
		var c diag.Collector
		for _, d := range r.Diagnostics {
			c.Add(d)
			fmt.Fprintln(out, d)
		}
		fmt.Fprintf(out, "Diagnostics: %s\n", strings.Join(c.Summary(), " "))
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
