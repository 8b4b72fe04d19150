// Package parser reads records from external sources. Each format implements
// SourceParser; New selects one by its explicit format tag.
package parser

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
)

// Supported formats.
const (
	FormatCSV   = "csv"
	FormatOAI   = "oai"
	FormatBagit = "bagit"
)

// RequiredFields must be present (directly or through an alias) on every
// record.
var RequiredFields = []string{mapping.FieldTitle, mapping.FieldSourceIdentifier}

var (
	collectionSplit = regexp.MustCompile(`\s*[;|]\s*`)
	childrenSplit   = regexp.MustCompile(`\s*[:;|]\s*`)
	fileSplit       = regexp.MustCompile(`\s*[;|]\s*`)
)

// Record is one raw source record. It is stored verbatim as an entry's raw
// metadata.
type Record struct {
	Identifier  string            `json:"source_identifier"`
	Fields      map[string]string `json:"fields,omitempty"`
	XML         string            `json:"xml,omitempty"`
	Collections []string          `json:"collections,omitempty"`
	Children    []string          `json:"children,omitempty"`
	Files       []string          `json:"files,omitempty"`
}

// RecordOpts narrows a Records pass.
type RecordOpts struct {
	// Since limits harvesting sources to records changed after this time.
	Since *time.Time
}

// SourceParser is the capability every source format provides.
type SourceParser interface {
	// Records streams records lazily. Iteration stops after the first error.
	Records(ctx context.Context, opts RecordOpts) iter.Seq2[Record, error]
	// Total returns the number of records a full pass yields.
	Total(ctx context.Context) (int, error)
	// Validate checks the source before any side effect. Failures are
	// *failure.ConfigurationError.
	Validate(ctx context.Context) error
	// Collections returns the distinct collection identifiers referenced by
	// the source, in first-seen order.
	Collections(ctx context.Context) ([]string, error)
}

// Options configures a parser.
type Options struct {
	Fields  config.ParserFields
	Mapper  *mapping.Mapper
	WorkDir string
	Client  *http.Client
	Logger  *slog.Logger
}

// New returns the parser for format.
func New(format string, opts Options) (SourceParser, error) {
	if opts.Mapper == nil {
		m, err := mapping.New(nil)
		if err != nil {
			return nil, err
		}
		opts.Mapper = m
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch format {
	case FormatCSV:
		return NewCSV(opts), nil
	case FormatOAI:
		return NewOAI(opts), nil
	case FormatBagit:
		return NewBagit(opts), nil
	default:
		return nil, failure.Configuration(fmt.Sprintf("unsupported format %q", format))
	}
}

func missingRequired() error {
	return failure.Configuration("Missing required elements", RequiredFields...)
}

// splitList splits raw on re, dropping blanks.
func splitList(re *regexp.Regexp, raw string) []string {
	var out []string
	for _, p := range re.Split(raw, -1) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// appendUnique appends values not already in seen, in order.
func appendUnique(out []string, seen map[string]bool, values ...string) []string {
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// collectCollections runs a full Records pass and gathers collection names.
func collectCollections(ctx context.Context, p SourceParser) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for rec, err := range p.Records(ctx, RecordOpts{}) {
		if err != nil {
			return nil, err
		}
		out = appendUnique(out, seen, rec.Collections...)
	}
	return out, nil
}

// countRecords runs a full Records pass and counts.
func countRecords(ctx context.Context, p SourceParser) (int, error) {
	n := 0
	for _, err := range p.Records(ctx, RecordOpts{}) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
