package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func csvParser(t *testing.T, path string, table mapping.Table) SourceParser {
	t.Helper()
	m, err := mapping.New(table)
	if err != nil {
		t.Fatalf("mapping.New: %v", err)
	}
	p, err := New(FormatCSV, Options{Fields: config.ParserFields{ImportFilePath: path}, Mapper: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func collect(t *testing.T, p SourceParser) []Record {
	t.Helper()
	var out []Record
	for rec, err := range p.Records(context.Background(), RecordOpts{}) {
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

const sampleCSV = "\ufeffsource_identifier,title,creator,collection,children,file\n" +
	"w1,First,Ames,Maps; Charts,w2|w3,scan.tif\n" +
	"w2,Second,Burke,Maps,,\n" +
	",,,,,\n" +
	"w3,Third,Cole,Charts,,/abs/page.jp2\n"

func TestCSV_Records(t *testing.T) {
	path := writeCSV(t, sampleCSV)
	recs := collect(t, csvParser(t, path, nil))
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3 (blank row skipped)", len(recs))
	}

	first := recs[0]
	if first.Identifier != "w1" {
		t.Errorf("Identifier = %q, want w1 (BOM stripped)", first.Identifier)
	}
	if first.Fields["title"] != "First" {
		t.Errorf("title = %q", first.Fields["title"])
	}
	if !reflect.DeepEqual(first.Collections, []string{"Maps", "Charts"}) {
		t.Errorf("Collections = %v", first.Collections)
	}
	if !reflect.DeepEqual(first.Children, []string{"w2", "w3"}) {
		t.Errorf("Children = %v", first.Children)
	}
	wantFile := filepath.Join(filepath.Dir(path), "files", "scan.tif")
	if !reflect.DeepEqual(first.Files, []string{wantFile}) {
		t.Errorf("Files = %v, want %v", first.Files, []string{wantFile})
	}
	if !reflect.DeepEqual(recs[2].Files, []string{"/abs/page.jp2"}) {
		t.Errorf("absolute file = %v", recs[2].Files)
	}
}

func TestCSV_TotalAndCollections(t *testing.T) {
	p := csvParser(t, writeCSV(t, sampleCSV), nil)
	total, err := p.Total(context.Background())
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total != 3 {
		t.Errorf("Total = %d, want 3", total)
	}
	cols, err := p.Collections(context.Background())
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if !reflect.DeepEqual(cols, []string{"Maps", "Charts"}) {
		t.Errorf("Collections = %v, want [Maps Charts]", cols)
	}
}

func TestCSV_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		table   mapping.Table
		wantErr bool
	}{
		{"valid", "source_identifier,title\n1,A\n", nil, false},
		{"aliased headers", "Identifier,Name\n1,A\n", mapping.Table{
			"source_identifier": {From: []string{"identifier"}},
			"title":             {From: []string{"name"}},
		}, false},
		{"missing title", "source_identifier,creator\n1,A\n", nil, true},
		{"missing identifier", "title\nA\n", nil, true},
		{"blank title value", "source_identifier,title\nw1,First\nw2,\n", nil, true},
		{"blank identifier value", "source_identifier,title\nw1,First\n,Second\n", nil, true},
		{"aliased blank title", "Identifier,Name\n1,\n", mapping.Table{
			"source_identifier": {From: []string{"identifier"}},
			"title":             {From: []string{"name"}},
		}, true},
		{"blank rows skipped", "source_identifier,title\nw1,First\n,\n", nil, false},
		{"empty file", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := csvParser(t, writeCSV(t, tt.content), tt.table).Validate(context.Background())
			if tt.wantErr {
				var cfgErr *failure.ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("Validate() = %v, want ConfigurationError", err)
				}
				if !strings.Contains(err.Error(), "title, source_identifier") {
					t.Errorf("error = %q, want required list", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestCSV_ValidateMissingFile(t *testing.T) {
	err := csvParser(t, filepath.Join(t.TempDir(), "nope.csv"), nil).Validate(context.Background())
	if failure.Classify(err) != failure.KindConfiguration {
		t.Fatalf("Validate() = %v, want configuration error", err)
	}
}

func TestCSV_AliasedIdentifier(t *testing.T) {
	path := writeCSV(t, "Local ID,title\nabc,A\n")
	recs := collect(t, csvParser(t, path, mapping.Table{"source_identifier": {From: []string{"local id"}}}))
	if len(recs) != 1 || recs[0].Identifier != "abc" {
		t.Errorf("records = %+v", recs)
	}
}

func TestCSV_StopEarly(t *testing.T) {
	p := csvParser(t, writeCSV(t, sampleCSV), nil)
	n := 0
	for range p.Records(context.Background(), RecordOpts{}) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("iterated %d times, want 1", n)
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New("marc", Options{})
	if failure.Classify(err) != failure.KindConfiguration {
		t.Errorf("New(marc) = %v, want configuration error", err)
	}
}
