// Package ingest runs the pipeline: resolve source tables to locations,
// segment their rows, write them per location and consolidate the result.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/japaniel/fangyan/pkg/consolidate"
	"github.com/japaniel/fangyan/pkg/db"
	"github.com/japaniel/fangyan/pkg/diag"
	"github.com/japaniel/fangyan/pkg/phonology"
	"github.com/japaniel/fangyan/pkg/resolver"
	"github.com/japaniel/fangyan/pkg/segment"
	"github.com/japaniel/fangyan/pkg/source"
)

// WorkerPoolInterface abstracts the worker pool so tests can inject failing implementations.
type WorkerPoolInterface interface {
	Start(ctx context.Context)
	Submit(Job) error
	// SubmitCtx attempts to enqueue a job but returns promptly if ctx is canceled.
	SubmitCtx(ctx context.Context, job Job) error
	Close()
}

// ErrPartialWrite is returned when some locations of a run were not committed.
var ErrPartialWrite = errors.New("ingest: some locations were not written")

// Mode selects how much of the store a run recomputes.
type Mode string

const (
	// ModeIncremental writes and consolidates only the locations of this run.
	ModeIncremental Mode = "incremental"
	// ModeFull writes every matched table and then consolidates the whole store.
	ModeFull Mode = "full"
)

// Options narrows a run.
type Options struct {
	Mode Mode
	// Locations restricts the run to these canonical tags. Empty means all matched.
	Locations       []string
	// Partitions is passed to the resolver's partition filter.
	Partitions []string
}

// Report summarizes a finished run.
type Report struct {
	RunID           uuid.UUID
	Mode            Mode
	Locations       []string
	// Failed lists locations whose readings were queued but never committed.
	Failed          []string
	Readings        int
	Unmatched       []string
	Consolidation   consolidate.Stats
	StoredLocations int
	Diagnostics     []diag.Entry
}

// Ingester handles the ingestion of source tables into the database.
type Ingester struct {
	DB        *sql.DB
	Resolver  *resolver.Resolver
	Segmenter *segment.Segmenter
	Tables    *phonology.Tables
	// S2T converts characters of tables written in simplified script. nil leaves them as is.
	S2T resolver.Converter
	// Logger is used for progress and warnings. nil means slog.Default().
	Logger *slog.Logger
	// OnProgress is called with the number of written locations and the total.
	OnProgress func(current, total int)

	// Concurrency settings
	Workers int
	// BatchSize is the number of locations committed per transaction.
	BatchSize int

	// PoolFactory allows tests to inject custom worker pool implementations.
	PoolFactory func(workers, queue int) WorkerPoolInterface
}

// NewIngester creates a new Ingester.
func NewIngester(conn *sql.DB, res *resolver.Resolver, tables *phonology.Tables) *Ingester {
	if tables == nil {
		tables = phonology.Default()
	}
	return &Ingester{
		DB:        conn,
		Resolver:  res,
		Segmenter: segment.New(tables),
		Tables:    tables,
		Workers:   1,
		BatchSize: 1,
	}
}

// processedLocation holds the result of reading one table before it is written.
type processedLocation struct {
	Index    int
	Tag      string
	Source   string
	Readings []db.Reading
	Diags    []diag.Entry
	Err      error
}

// Ingest runs the pipeline over files and records the run and its diagnostics.
func (ig *Ingester) Ingest(ctx context.Context, files []source.File, opts Options) (*Report, error) {
	if ig.Resolver == nil {
		return nil, errors.New("ingest: resolver is required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeIncremental
	}
	if ig.Tables == nil {
		ig.Tables = phonology.Default()
	}
	if ig.Segmenter == nil {
		ig.Segmenter = segment.New(ig.Tables)
	}

	runID, err := db.CreateRun(ctx, ig.DB, string(opts.Mode))
	if err != nil {
		return nil, err
	}
	report := &Report{RunID: runID, Mode: opts.Mode}
	collector := &diag.Collector{}

	runErr := ig.run(ctx, files, opts, collector, report)

	status := "ok"
	switch {
	case ctx.Err() != nil:
		status = "canceled"
	case runErr != nil:
		status = "failed"
	case len(report.Failed) > 0:
		status = "partial"
		runErr = fmt.Errorf("%w: %s", ErrPartialWrite, strings.Join(report.Failed, ", "))
	}
	report.Diagnostics = collector.Entries()

	// Record the outcome even when ctx was canceled.
	pctx := context.WithoutCancel(ctx)
	saved := make([]db.Diagnostic, 0, len(report.Diagnostics))
	for _, e := range report.Diagnostics {
		saved = append(saved, db.Diagnostic{Kind: string(e.Kind), Location: e.Location, Source: e.Source, Detail: e.Detail})
	}
	if err := db.SaveDiagnostics(pctx, ig.DB, runID, saved); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := db.FinishRun(pctx, ig.DB, runID, status, len(report.Locations), report.Readings); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return report, runErr
}

func (ig *Ingester) run(ctx context.Context, files []source.File, opts Options, collector *diag.Collector, report *Report) error {
	log := ig.logger()

	inputs := make([]resolver.Input, 0, len(files))
	for _, f := range files {
		inputs = append(inputs, resolver.Input{Label: f.Label, Path: f.Path, Origin: f.Origin, ModTime: f.ModTime})
	}
	res := ig.Resolver.ResolveBatch(inputs, resolver.BatchOptions{Partitions: opts.Partitions})

	for _, u := range res.Unmatched {
		report.Unmatched = append(report.Unmatched, u.Path)
		collector.Addf(diag.KindUnmatchedSource, "", u.Path, "no canonical location for %q", u.Label)
	}
	for _, d := range res.Discarded {
		collector.Addf(diag.KindAmbiguousMatch, d.Tag, d.Input.Path, "discarded in favour of %s", d.Winner.Path)
	}
	for _, a := range res.Ambiguous {
		collector.Addf(diag.KindAmbiguousMatch, a.Chosen, a.Input.Path, "%q also matches %v at stage %s", a.Input.Label, a.Alternatives, a.Stage)
	}

	matches := res.Matches
	if len(opts.Locations) > 0 {
		matches = slices.DeleteFunc(slices.Clone(matches), func(m resolver.Match) bool {
			return !slices.Contains(opts.Locations, m.Location.Tag)
		})
		for _, want := range opts.Locations {
			if !slices.ContainsFunc(matches, func(m resolver.Match) bool { return m.Location.Tag == want }) {
				log.Warn("requested location has no source table", "location", want)
			}
		}
	}
	log.Info("resolved source tables", "matched", len(matches), "unmatched", len(res.Unmatched), "discarded", len(res.Discarded), "excluded", len(res.Excluded))

	written, err := ig.writeLocations(ctx, matches, collector)
	report.Locations = written.tags
	report.Failed = written.failed
	report.Readings = written.readings
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runner := consolidate.NewRunner(ig.DB)
	runner.Separator = ig.Tables.NoteSeparator()
	runner.Logger = log
	runner.Diag = collector
	var stats consolidate.Stats
	if opts.Mode == ModeFull {
		stats, err = runner.RunAll(ctx)
	} else {
		stats, err = runner.Run(ctx, written.tags)
	}
	report.Consolidation = stats
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}

	stored, err := db.SyncStoredFlags(ctx, ig.DB)
	if err != nil {
		return err
	}
	report.StoredLocations = stored
	return nil
}

type writeResult struct {
	tags     []string
	failed   []string
	readings int
}

// tagSet is filled from the BatchWriter's committer goroutine.
type tagSet struct {
	mu   sync.Mutex
	tags map[string]bool
}

func (f *tagSet) add(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tags == nil {
		f.tags = make(map[string]bool)
	}
	f.tags[tag] = true
}

func (f *tagSet) has(tag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags[tag]
}

// writeLocations parses tables on the worker pool and writes them in
// canonical order through a single BatchWriter.
func (ig *Ingester) writeLocations(ctx context.Context, matches []resolver.Match, collector *diag.Collector) (writeResult, error) {
	var out writeResult
	total := len(matches)
	if total == 0 {
		return out, nil
	}
	log := ig.logger()

	workers := max(ig.Workers, 1)
	var wp WorkerPoolInterface
	if ig.PoolFactory != nil {
		wp = ig.PoolFactory(workers, workers*2)
	} else {
		wp = NewWorkerPool(workers, workers*2)
	}
	resultCh := make(chan processedLocation, workers*2)

	bw := NewBatchWriter(ig.DB, ig.BatchSize, 0)
	bw.OnError = func(e error) {
		log.Error("write failed", "error", e)
		collector.Addf(diag.KindLocationFailed, "", "", "write: %v", e)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wp.Start(ctx)

	var committed tagSet
	counts := make(map[string]int)

	doneCh := make(chan error, 1)
	go func() {
		buffer := make(map[int]processedLocation)
		next := 0
		var consumerErr error
		for res := range resultCh {
			buffer[res.Index] = res
			for {
				item, ok := buffer[next]
				if !ok {
					break
				}
				delete(buffer, next)
				next++

				if consumerErr != nil || ctx.Err() != nil {
					continue
				}
				for _, d := range item.Diags {
					collector.Add(d)
				}
				if item.Err != nil {
					log.Error("location skipped", "location", item.Tag, "source", item.Source, "error", item.Err)
					collector.Addf(diag.KindLocationFailed, item.Tag, item.Source, "%v", item.Err)
					continue
				}

				tag, rows := item.Tag, item.Readings
				err := bw.SubmitWithCommit(func(ctx context.Context, tx *sql.Tx) error {
					if err := db.ReplaceReadings(ctx, tx, tag, rows); err != nil {
						return fmt.Errorf("location %s: %w", tag, err)
					}
					return nil
				}, func() { committed.add(tag) })
				if err != nil {
					// Signal producers to stop to prevent them from blocking on resultCh.
					consumerErr = err
					cancel()
					continue
				}
				out.tags = append(out.tags, tag)
				counts[tag] = len(rows)
				log.Info("location queued", "location", tag, "source", item.Source, "readings", len(rows))
				if ig.OnProgress != nil {
					ig.OnProgress(next, total)
				}
			}
		}
		doneCh <- consumerErr
	}()

	var submitErr error
	for i, m := range matches {
		if ctx.Err() != nil {
			break
		}
		idx, match := i, m
		job := func(ctx context.Context) error {
			res := ig.processLocation(idx, match)
			select {
			case resultCh <- res:
			case <-ctx.Done():
			}
			return nil
		}
		if err := wp.SubmitCtx(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || err == ErrPoolClosed {
				break
			}
			submitErr = err
			cancel()
			break
		}
	}

	// All workers are gone after Close, so nothing sends on resultCh any more.
	wp.Close()
	close(resultCh)
	consumerErr := <-doneCh

	// Write failures already reached the collector through OnError. A failed
	// batch rolls back every location in it, so only committed tags count.
	if err := bw.Close(); err != nil {
		log.Warn("some locations were not written", "batches", bw.Failed(), "error", err)
	}
	queued := out.tags
	out.tags = nil
	for _, tag := range queued {
		if !committed.has(tag) {
			out.failed = append(out.failed, tag)
			continue
		}
		out.tags = append(out.tags, tag)
		out.readings += counts[tag]
	}
	return out, errors.Join(submitErr, consumerErr)
}

// processLocation reads one table and segments every row. It does no I/O
// besides reading the file.
func (ig *Ingester) processLocation(index int, m resolver.Match) processedLocation {
	out := processedLocation{Index: index, Tag: m.Location.Tag, Source: m.Input.Path}
	rows, err := source.ReadFile(m.Input.Path, ig.Tables)
	if err != nil {
		out.Err = err
		return out
	}

	add := func(kind diag.Kind, line int, format string, args ...any) {
		out.Diags = append(out.Diags, diag.Entry{
			Kind:     kind,
			Location: out.Tag,
			Source:   fmt.Sprintf("%s:%d", out.Source, line),
			Detail:   fmt.Sprintf(format, args...),
		})
	}

	tones := m.Location.Tones
	for _, row := range rows {
		if row.Character == "" || row.Phonetic == "" {
			add(diag.KindSkippedRow, row.Line, "missing character or phonetic (%q, %q)", row.Character, row.Phonetic)
			continue
		}
		pairs, err := ig.Segmenter.Split(row.Character, row.Phonetic)
		if err != nil {
			add(diag.KindSkippedRow, row.Line, "%v", err)
		}
		for _, p := range pairs {
			if m.Location.Simplified && ig.S2T != nil {
				conv, err := ig.S2T.Convert(p.Character)
				if err != nil {
					add(diag.KindSkippedRow, row.Line, "convert %q: %v", p.Character, err)
					continue
				}
				p.Character = conv
			}
			seg, err := ig.Segmenter.Segment(p, tones)
			if err != nil {
				add(diag.KindSkippedRow, row.Line, "%v", err)
				continue
			}
			if seg.MissingTone {
				add(diag.KindMissingTone, row.Line, "%s %s", seg.Character, seg.Syllable)
			}
			if seg.NeedsReview {
				add(diag.KindNeedsReview, row.Line, "%s %s: no onset/rime boundary", seg.Character, seg.Syllable)
			}
			out.Readings = append(out.Readings, db.Reading{
				Location:    out.Tag,
				Character:   seg.Character,
				Syllable:    seg.Syllable,
				Onset:       seg.Onset,
				Rime:        seg.Rime,
				Tone:        seg.Tone,
				ToneClass:   seg.ToneClass,
				Note:        row.Note,
				NeedsReview: seg.NeedsReview || seg.MissingTone,
			})
		}
	}
	return out
}

func (ig *Ingester) logger() *slog.Logger {
	if ig.Logger == nil {
		return slog.Default()
	}
	return ig.Logger
}
