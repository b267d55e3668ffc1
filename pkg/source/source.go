// Package source discovers and reads raw character-table files.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/japaniel/fangyan/pkg/phonology"
)

// ErrMissingColumns is returned when the header lacks a character or phonetic column.
var ErrMissingColumns = errors.New("source: required columns not found")

// File is a discovered table. It lives only until it has been resolved and read.
type File struct {
	Label   string
	Path    string
	Origin  string
	ModTime time.Time
}

// Row is one data line of a table.
type Row struct {
	// Line is the 1-based line number in the file.
	Line      int
	Character string
	Phonetic  string
	Note      string
}

var extensions = map[string]rune{".tsv": '\t', ".txt": '\t', ".csv": ','}

// Discover lists the tables directly inside dir, sorted by path.
func Discover(dir, origin string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir %s: %w", dir, err)
	}
	var out []File
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if _, ok := extensions[ext]; !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, File{
			Label:   strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Path:    filepath.Join(dir, e.Name()),
			Origin:  origin,
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ReadFile opens path and reads it with Read.
func ReadFile(path string, t *phonology.Tables) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	comma, ok := extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		comma = '\t'
	}
	rows, err := Read(f, comma, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// Read parses a delimited table with a header row. Columns are located with
// the alias table of t; the note column is optional.
func Read(r io.Reader, comma rune, t *phonology.Tables) ([]Row, error) {
	if t == nil {
		t = phonology.Default()
	}
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		out    []Row
		cols   columns
		header bool
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse table: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if !header {
			if blank(rec) {
				continue
			}
			cols, err = locate(rec, t.Columns())
			if err != nil {
				return nil, err
			}
			header = true
			continue
		}
		if blank(rec) {
			continue
		}
		out = append(out, Row{
			Line:      line,
			Character: strings.TrimSpace(cell(rec, cols.char)),
			Phonetic:  strings.TrimSpace(cell(rec, cols.phon)),
			Note:      strings.TrimSpace(cell(rec, cols.note)),
		})
	}
	if !header {
		return nil, fmt.Errorf("%w: empty table", ErrMissingColumns)
	}
	return out, nil
}

type columns struct{ char, phon, note int }

func locate(header []string, aliases phonology.ColumnAliases) (columns, error) {
	c := columns{char: -1, phon: -1, note: -1}
	match := func(name string, list []string) bool {
		for _, a := range list {
			if name == foldHeader(a) {
				return true
			}
		}
		return false
	}
	for i, h := range header {
		name := foldHeader(h)
		switch {
		case c.char < 0 && match(name, aliases.Character):
			c.char = i
		case c.phon < 0 && match(name, aliases.Phonetic):
			c.phon = i
		case c.note < 0 && match(name, aliases.Note):
			c.note = i
		}
	}
	if c.char < 0 || c.phon < 0 {
		return c, fmt.Errorf("%w: header %q", ErrMissingColumns, header)
	}
	return c, nil
}

func foldHeader(h string) string {
	h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
	h = strings.TrimLeft(h, "#")
	h = norm.NFKC.String(strings.TrimSpace(h))
	return strings.ToLower(h)
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
