package parser

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
)

// CSV reads a delimited file with a header row. Relative file references
// resolve against a files/ directory next to the CSV.
type CSV struct {
	path   string
	mapper *mapping.Mapper
	logger *slog.Logger
}

// NewCSV returns a CSV parser for opts.Fields.ImportFilePath.
func NewCSV(opts Options) *CSV {
	return &CSV{path: opts.Fields.ImportFilePath, mapper: opts.Mapper, logger: opts.Logger}
}

func (p *CSV) Validate(ctx context.Context) error {
	f, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return failure.Configuration(fmt.Sprintf("import file %s not found", p.path))
		}
		return failure.Infrastructure("parser: open csv", err)
	}
	defer f.Close()

	cr, err := newCSVReader(f, filepath.Join(filepath.Dir(p.path), "files"), p.mapper)
	if err != nil {
		return err
	}
	for _, req := range RequiredFields {
		if !cr.has(req) {
			return missingRequired()
		}
	}

	titles := p.mapper.Aliases(mapping.FieldTitle)
	var invalid error
	cr.each(ctx, func(rec Record, err error) bool {
		if err != nil {
			invalid = err
			return false
		}
		if rec.Identifier == "" || !hasAny(rec, titles) {
			invalid = missingRequired()
			return false
		}
		return true
	})
	return invalid
}

func (p *CSV) Records(ctx context.Context, _ RecordOpts) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(p.path)
		if err != nil {
			yield(Record{}, failure.Infrastructure("parser: open csv", err))
			return
		}
		defer f.Close()

		cr, err := newCSVReader(f, filepath.Join(filepath.Dir(p.path), "files"), p.mapper)
		if err != nil {
			yield(Record{}, err)
			return
		}
		cr.each(ctx, yield)
	}
}

func (p *CSV) Total(ctx context.Context) (int, error) {
	return countRecords(ctx, p)
}

func (p *CSV) Collections(ctx context.Context) ([]string, error) {
	return collectCollections(ctx, p)
}

// csvReader turns CSV rows into Records using the mapping's aliases for the
// reserved columns.
type csvReader struct {
	r        *csv.Reader
	headers  []string
	index    map[string]int
	filesDir string
	mapper   *mapping.Mapper
}

func newCSVReader(rd io.Reader, filesDir string, m *mapping.Mapper) (*csvReader, error) {
	r := csv.NewReader(newTextReader(rd))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	cr := &csvReader{r: r, index: map[string]int{}, filesDir: filesDir, mapper: m}
	headers, err := r.Read()
	if errors.Is(err, io.EOF) {
		return cr, nil
	}
	if err != nil {
		return nil, failure.Configuration(fmt.Sprintf("unreadable header row: %v", err))
	}
	cr.headers = make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		cr.headers[i] = h
		if h == "" {
			continue
		}
		if _, dup := cr.index[mapping.Key(h)]; !dup {
			cr.index[mapping.Key(h)] = i
		}
	}
	return cr, nil
}

func (c *csvReader) has(target string) bool {
	for _, a := range c.mapper.Aliases(target) {
		if _, ok := c.index[a]; ok {
			return true
		}
	}
	return false
}

func (c *csvReader) value(row []string, target string) string {
	for _, a := range c.mapper.Aliases(target) {
		if i, ok := c.index[a]; ok && i < len(row) {
			if v := strings.TrimSpace(row[i]); v != "" {
				return v
			}
		}
	}
	return ""
}

// next returns the next non-blank row as a Record.
func (c *csvReader) next() (Record, bool, error) {
	for {
		row, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			return Record{}, false, nil
		}
		if err != nil {
			return Record{}, false, err
		}

		fields := make(map[string]string, len(c.headers))
		blank := true
		for i, h := range c.headers {
			if h == "" || i >= len(row) {
				continue
			}
			fields[h] = row[i]
			if strings.TrimSpace(row[i]) != "" {
				blank = false
			}
		}
		if blank {
			continue
		}

		rec := Record{
			Identifier:  c.value(row, mapping.FieldSourceIdentifier),
			Fields:      fields,
			Collections: splitList(collectionSplit, c.value(row, mapping.FieldCollection)),
			Children:    splitList(childrenSplit, c.value(row, mapping.FieldChildren)),
		}
		for _, name := range splitList(fileSplit, c.value(row, mapping.FieldFile)) {
			rec.Files = append(rec.Files, c.resolveFile(name))
		}
		return rec, true, nil
	}
}

func (c *csvReader) each(ctx context.Context, yield func(Record, error) bool) {
	for {
		if err := ctx.Err(); err != nil {
			yield(Record{}, err)
			return
		}
		rec, ok, err := c.next()
		if err != nil {
			yield(Record{}, fmt.Errorf("parser: read csv: %w", err))
			return
		}
		if !ok {
			return
		}
		if !yield(rec, nil) {
			return
		}
	}
}

func (c *csvReader) resolveFile(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.filesDir, name)
}
