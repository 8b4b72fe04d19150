package parser

import (
	"context"
	"encoding/xml"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
)

// AllSets harvests every set and creates one collection per set.
const AllSets = "all"

// OAI harvests an OAI-PMH endpoint with ListRecords, following resumption
// tokens one page at a time.
type OAI struct {
	baseURL string
	set     string
	prefix  string
	client  *http.Client
	mapper  *mapping.Mapper
	logger  *slog.Logger
}

// NewOAI returns an OAI-PMH parser.
func NewOAI(opts Options) *OAI {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	prefix := opts.Fields.MetadataPrefix
	if prefix == "" {
		prefix = "oai_dc"
	}
	return &OAI{
		baseURL: opts.Fields.BaseURL,
		set:     opts.Fields.Set,
		prefix:  prefix,
		client:  client,
		mapper:  opts.Mapper,
		logger:  opts.Logger,
	}
}

type oaiResponse struct {
	XMLName     xml.Name  `xml:"OAI-PMH"`
	Error       *oaiError `xml:"error"`
	ListRecords struct {
		Records         []oaiRecord `xml:"record"`
		ResumptionToken oaiToken    `xml:"resumptionToken"`
	} `xml:"ListRecords"`
	ListSets struct {
		Sets            []oaiSet `xml:"set"`
		ResumptionToken oaiToken `xml:"resumptionToken"`
	} `xml:"ListSets"`
}

type oaiError struct {
	XMLName xml.Name `xml:"error"`
	Code    string   `xml:"code,attr"`
	Message string   `xml:",chardata"`
}

type oaiRecord struct {
	Header struct {
		Status     string   `xml:"status,attr"`
		Identifier string   `xml:"identifier"`
		Datestamp  string   `xml:"datestamp"`
		SetSpecs   []string `xml:"setSpec"`
	} `xml:"header"`
	Metadata struct {
		Inner string `xml:",innerxml"`
	} `xml:"metadata"`
}

type oaiToken struct {
	Value            string `xml:",chardata"`
	CompleteListSize int    `xml:"completeListSize,attr"`
}

type oaiSet struct {
	Spec string `xml:"setSpec"`
	Name string `xml:"setName"`
}

func (p *OAI) harvestsAll() bool { return p.set == AllSets }

// request performs one OAI-PMH verb call.
func (p *OAI) request(ctx context.Context, params url.Values) (*oaiResponse, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, failure.Configuration(fmt.Sprintf("invalid base_url %q: %v", p.baseURL, err))
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, failure.Infrastructure("parser: oai request", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, failure.Infrastructure("parser: oai request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failure.Infrastructure("parser: oai request", fmt.Errorf("%s returned %s", p.baseURL, resp.Status))
	}

	var out oaiResponse
	if err := xml.NewDecoder(newTextReader(resp.Body)).Decode(&out); err != nil {
		return nil, failure.Infrastructure("parser: decode oai response", err)
	}
	if out.Error != nil && out.Error.Code != "noRecordsMatch" {
		return nil, failure.Configuration(fmt.Sprintf("oai error %s: %s", out.Error.Code, strings.TrimSpace(out.Error.Message)))
	}
	return &out, nil
}

func (p *OAI) listParams(token string, since *time.Time) url.Values {
	params := url.Values{"verb": {"ListRecords"}}
	if token != "" {
		params.Set("resumptionToken", token)
		return params
	}
	params.Set("metadataPrefix", p.prefix)
	if p.set != "" && !p.harvestsAll() {
		params.Set("set", p.set)
	}
	if since != nil {
		params.Set("from", since.UTC().Format("2006-01-02"))
	}
	return params
}

func (p *OAI) Records(ctx context.Context, opts RecordOpts) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		token := ""
		for {
			resp, err := p.request(ctx, p.listParams(token, opts.Since))
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, r := range resp.ListRecords.Records {
				if r.Header.Status == "deleted" {
					continue
				}
				rec, err := p.record(r)
				if err != nil {
					yield(Record{}, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
			token = strings.TrimSpace(resp.ListRecords.ResumptionToken.Value)
			if token == "" {
				return
			}
		}
	}
}

// record converts one harvested record. The identifier comes from the header
// unless the mapping names a source identifier element.
func (p *OAI) record(r oaiRecord) (Record, error) {
	payload := strings.TrimSpace(r.Metadata.Inner)
	rec := Record{Identifier: strings.TrimSpace(r.Header.Identifier), XML: payload}
	if len(p.mapper.Rule(mapping.FieldSourceIdentifier).From) > 0 {
		root, err := mapping.ParseXML(payload)
		if err != nil {
			return Record{}, fmt.Errorf("parser: oai record %s: %w", r.Header.Identifier, err)
		}
		rec.Identifier = root.First(p.mapper.Aliases(mapping.FieldSourceIdentifier)...)
	}
	switch {
	case p.harvestsAll():
		rec.Collections = append(rec.Collections, r.Header.SetSpecs...)
	case p.set != "":
		rec.Collections = []string{p.set}
	}
	return rec, nil
}

func (p *OAI) Total(ctx context.Context) (int, error) {
	resp, err := p.request(ctx, p.listParams("", nil))
	if err != nil {
		return 0, err
	}
	if n := resp.ListRecords.ResumptionToken.CompleteListSize; n > 0 {
		return n, nil
	}
	return countRecords(ctx, p)
}

// Validate harvests every record and checks the required fields exist.
func (p *OAI) Validate(ctx context.Context) error {
	if p.baseURL == "" {
		return failure.Configuration("base_url is required")
	}
	titles := p.mapper.Aliases(mapping.FieldTitle)
	for rec, err := range p.Records(ctx, RecordOpts{}) {
		if err != nil {
			return err
		}
		if rec.Identifier == "" {
			return missingRequired()
		}
		root, err := mapping.ParseXML(rec.XML)
		if err != nil || root.First(titles...) == "" {
			return missingRequired()
		}
	}
	return nil
}

// Collections returns the configured set, or every set on the endpoint when
// harvesting all sets.
func (p *OAI) Collections(ctx context.Context) ([]string, error) {
	if !p.harvestsAll() {
		if p.set == "" {
			return nil, nil
		}
		return []string{p.set}, nil
	}
	var out []string
	seen := map[string]bool{}
	token := ""
	for {
		params := url.Values{"verb": {"ListSets"}}
		if token != "" {
			params.Set("resumptionToken", token)
		}
		resp, err := p.request(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, s := range resp.ListSets.Sets {
			out = appendUnique(out, seen, strings.TrimSpace(s.Spec))
		}
		token = strings.TrimSpace(resp.ListSets.ResumptionToken.Value)
		if token == "" {
			return out, nil
		}
	}
}
