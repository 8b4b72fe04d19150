package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
)

const oaiPage1 = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
    <record>
      <header><identifier>oai:x:1</identifier><setSpec>maps</setSpec></header>
      <metadata><oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>One</dc:title><dc:identifier>local-1</dc:identifier></oai_dc:dc></metadata>
    </record>
    <record>
      <header status="deleted"><identifier>oai:x:gone</identifier></header>
    </record>
    <resumptionToken completeListSize="2">page2</resumptionToken>
  </ListRecords>
</OAI-PMH>`

const oaiPage2 = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
    <record>
      <header><identifier>oai:x:2</identifier><setSpec>charts</setSpec></header>
      <metadata><oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>Two</dc:title><dc:identifier>local-2</dc:identifier></oai_dc:dc></metadata>
    </record>
    <resumptionToken completeListSize="2"></resumptionToken>
  </ListRecords>
</OAI-PMH>`

const oaiSets = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListSets>
    <set><setSpec>maps</setSpec><setName>Maps</setName></set>
    <set><setSpec>charts</setSpec><setName>Charts</setName></set>
  </ListSets>
</OAI-PMH>`

type oaiServer struct {
	mu      sync.Mutex
	queries []string
}

func (s *oaiServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.RawQuery)
	s.mu.Unlock()

	q := r.URL.Query()
	switch {
	case q.Get("verb") == "ListSets":
		fmt.Fprint(w, oaiSets)
	case q.Get("resumptionToken") == "page2":
		fmt.Fprint(w, oaiPage2)
	case q.Get("set") == "empty":
		fmt.Fprint(w, `<OAI-PMH><error code="noRecordsMatch">none</error></OAI-PMH>`)
	case q.Get("metadataPrefix") == "bogus":
		fmt.Fprint(w, `<OAI-PMH><error code="cannotDisseminateFormat">no</error></OAI-PMH>`)
	default:
		fmt.Fprint(w, oaiPage1)
	}
}

func oaiParser(t *testing.T, fields config.ParserFields, table mapping.Table) (SourceParser, *oaiServer) {
	t.Helper()
	srv := &oaiServer{}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)
	fields.BaseURL = ts.URL
	m, err := mapping.New(table)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(FormatOAI, Options{Fields: fields, Mapper: m, Client: ts.Client()})
	if err != nil {
		t.Fatal(err)
	}
	return p, srv
}

func TestOAI_RecordsFollowResumptionToken(t *testing.T) {
	p, srv := oaiParser(t, config.ParserFields{}, nil)
	recs := collect(t, p)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 (deleted skipped)", len(recs))
	}
	if recs[0].Identifier != "oai:x:1" || recs[1].Identifier != "oai:x:2" {
		t.Errorf("identifiers = %q, %q", recs[0].Identifier, recs[1].Identifier)
	}
	root, err := mapping.ParseXML(recs[0].XML)
	if err != nil {
		t.Fatal(err)
	}
	if root.First("title") != "One" {
		t.Errorf("payload title = %q", root.First("title"))
	}
	if len(srv.queries) != 2 {
		t.Errorf("requests = %d, want 2", len(srv.queries))
	}
}

func TestOAI_IdentifierFromMapping(t *testing.T) {
	p, _ := oaiParser(t, config.ParserFields{}, mapping.Table{"source_identifier": {From: []string{"identifier"}}})
	recs := collect(t, p)
	if recs[0].Identifier != "local-1" {
		t.Errorf("Identifier = %q, want local-1", recs[0].Identifier)
	}
}

func TestOAI_SinceAddsFrom(t *testing.T) {
	p, srv := oaiParser(t, config.ParserFields{Set: "maps"}, nil)
	since := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	for _, err := range p.Records(context.Background(), RecordOpts{Since: &since}) {
		if err != nil {
			t.Fatal(err)
		}
		break
	}
	q := srv.queries[0]
	for _, want := range []string{"from=2026-03-04", "set=maps", "metadataPrefix=oai_dc", "verb=ListRecords"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestOAI_Total(t *testing.T) {
	p, _ := oaiParser(t, config.ParserFields{}, nil)
	n, err := p.Total(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Total = %d, want 2", n)
	}
}

func TestOAI_NoRecordsMatch(t *testing.T) {
	p, _ := oaiParser(t, config.ParserFields{Set: "empty"}, nil)
	if recs := collect(t, p); len(recs) != 0 {
		t.Errorf("got %d records, want 0", len(recs))
	}
}

func TestOAI_ProtocolErrorIsConfiguration(t *testing.T) {
	p, _ := oaiParser(t, config.ParserFields{MetadataPrefix: "bogus"}, nil)
	err := p.Validate(context.Background())
	if failure.Classify(err) != failure.KindConfiguration {
		t.Errorf("Validate() = %v, want configuration error", err)
	}
}

func TestOAI_Validate(t *testing.T) {
	p, _ := oaiParser(t, config.ParserFields{}, nil)
	if err := p.Validate(context.Background()); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	p, _ = oaiParser(t, config.ParserFields{}, mapping.Table{"source_identifier": {From: []string{"local_id"}}})
	if err := p.Validate(context.Background()); failure.Classify(err) != failure.KindConfiguration {
		t.Errorf("Validate() with no identifier element = %v, want configuration error", err)
	}
}

func TestOAI_Collections(t *testing.T) {
	p, _ := oaiParser(t, config.ParserFields{Set: "maps"}, nil)
	cols, err := p.Collections(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cols, []string{"maps"}) {
		t.Errorf("Collections = %v", cols)
	}
	recs := collect(t, p)
	if !reflect.DeepEqual(recs[0].Collections, []string{"maps"}) {
		t.Errorf("record collections = %v", recs[0].Collections)
	}

	p, _ = oaiParser(t, config.ParserFields{Set: AllSets}, nil)
	cols, err = p.Collections(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cols, []string{"maps", "charts"}) {
		t.Errorf("all-set Collections = %v", cols)
	}
	recs = collect(t, p)
	if !reflect.DeepEqual(recs[1].Collections, []string{"charts"}) {
		t.Errorf("record setSpec collections = %v", recs[1].Collections)
	}
}

func TestOAI_HTTPFailureIsInfrastructure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	p := NewOAI(Options{Fields: config.ParserFields{BaseURL: ts.URL}, Mapper: mustNilMapper(t), Client: ts.Client()})
	_, err := p.Total(context.Background())
	if failure.Classify(err) != failure.KindInfrastructure {
		t.Errorf("Total() = %v, want infrastructure error", err)
	}
}

func mustNilMapper(t *testing.T) *mapping.Mapper {
	t.Helper()
	m, err := mapping.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}
