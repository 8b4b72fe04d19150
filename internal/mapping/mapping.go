// Package mapping translates raw source fields into canonical metadata using
// a field-mapping table, and back again for export.
package mapping

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Reserved canonical field names.
const (
	FieldSourceIdentifier = "source_identifier"
	FieldIdentifier       = "identifier"
	FieldTitle            = "title"
	FieldModel            = "model"
	FieldVisibility       = "visibility"
	FieldRightsStatement  = "rights_statement"
	FieldCollection       = "collection"
	FieldCollections      = "collections"
	FieldChildren         = "children"
	FieldFile             = "file"
)

// DefaultSplit is used when a rule sets `split: true`.
var DefaultSplit = regexp.MustCompile(`\s*[;|]\s*`)

// Split is either a boolean (use DefaultSplit) or a custom regular expression.
type Split struct {
	Enabled bool
	Pattern string
}

func (s *Split) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!bool" {
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*s = Split{Enabled: b}
		return nil
	}
	var p string
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("split must be a boolean or a pattern: %w", err)
	}
	*s = Split{Enabled: p != "", Pattern: p}
	return nil
}

func (s Split) MarshalYAML() (any, error) {
	if s.Pattern != "" {
		return s.Pattern, nil
	}
	return s.Enabled, nil
}

func (s *Split) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*s = Split{Enabled: x}
	case string:
		*s = Split{Enabled: x != "", Pattern: x}
	case nil:
		*s = Split{}
	default:
		return fmt.Errorf("split must be a boolean or a pattern, got %T", v)
	}
	return nil
}

func (s Split) MarshalJSON() ([]byte, error) {
	if s.Pattern != "" {
		return json.Marshal(s.Pattern)
	}
	return json.Marshal(s.Enabled)
}

// Rule describes how one canonical field is populated.
type Rule struct {
	From     []string `yaml:"from,omitempty" json:"from,omitempty"`
	Split    Split    `yaml:"split,omitempty" json:"split,omitempty"`
	Path     string   `yaml:"path,omitempty" json:"path,omitempty"`
	Parsed   bool     `yaml:"parsed,omitempty" json:"parsed,omitempty"`
	Excluded bool     `yaml:"excluded,omitempty" json:"excluded,omitempty"`
}

// Table maps canonical field names to rules.
type Table map[string]Rule

// ParseTable decodes a mapping table from YAML or JSON.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("mapping: parse: %w", err)
	}
	return t, nil
}

// Key normalises a source field name: lower case, spaces to underscores.
func Key(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// Mapper applies a Table to raw records.
type Mapper struct {
	table   Table
	sources map[string]string
	splits  map[string]*regexp.Regexp
	columns map[string]string
}

// New validates t and builds a Mapper. A nil table maps every field to itself.
func New(t Table) (*Mapper, error) {
	m := &Mapper{
		table:   Table{},
		sources: map[string]string{},
		splits:  map[string]*regexp.Regexp{},
	}
	targets := make([]string, 0, len(t))
	for target := range t {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	var errs []string
	for _, target := range targets {
		rule := t[target]
		key := Key(target)
		m.table[key] = rule
		for _, src := range m.aliases(key, rule) {
			if prev, ok := m.sources[src]; ok && prev != key {
				errs = append(errs, fmt.Sprintf("source %q mapped to both %q and %q", src, prev, key))
				continue
			}
			m.sources[src] = key
		}
		if rule.Split.Pattern != "" {
			re, err := regexp.Compile(rule.Split.Pattern)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid split pattern: %v", key, err))
				continue
			}
			m.splits[key] = re
		} else if rule.Split.Enabled {
			m.splits[key] = DefaultSplit
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("mapping: invalid table: %s", strings.Join(errs, "; "))
	}
	m.columns = m.reverse()
	return m, nil
}

func (m *Mapper) aliases(target string, rule Rule) []string {
	if len(rule.From) == 0 {
		return []string{target}
	}
	out := make([]string, 0, len(rule.From))
	for _, f := range rule.From {
		out = append(out, Key(f))
	}
	return out
}

// Target returns the canonical field a source field maps to. Unmapped fields
// pass through under their own (normalised) name.
func (m *Mapper) Target(source string) string {
	k := Key(source)
	if t, ok := m.sources[k]; ok {
		return t
	}
	return k
}

// Rule returns the rule for a canonical field.
func (m *Mapper) Rule(target string) Rule {
	return m.table[Key(target)]
}

// Aliases returns every source name that populates target, the target itself
// included.
func (m *Mapper) Aliases(target string) []string {
	key := Key(target)
	out := []string{key}
	for _, a := range m.aliases(key, m.table[key]) {
		if a != key {
			out = append(out, a)
		}
	}
	return out
}

// Excluded reports whether a source field is dropped during mapping.
func (m *Mapper) Excluded(source string) bool {
	return m.table[m.Target(source)].Excluded
}

// Values applies split and normalisation rules for target to one raw value.
func (m *Mapper) Values(target, raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := []string{raw}
	if re, ok := m.splits[target]; ok {
		parts = re.Split(raw, -1)
	}
	parsed := m.table[target].Parsed
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if parsed {
			p = normalize(target, p)
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MapFields maps a flat record (CSV row) into canonical metadata.
func (m *Mapper) MapFields(fields map[string]string) Metadata {
	md := Metadata{}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		target := m.Target(k)
		if m.table[target].Excluded {
			continue
		}
		md.Append(target, m.Values(target, fields[k])...)
	}
	return md
}

// MapXML maps an XML metadata document into canonical metadata. Leaf elements
// map by local name; rules with a path pull nested values explicitly.
func (m *Mapper) MapXML(root *Node) Metadata {
	md := Metadata{}
	for _, leaf := range root.Leaves() {
		target := m.Target(leaf.Name)
		rule := m.table[target]
		if rule.Excluded || rule.Path != "" {
			continue
		}
		md.Append(target, m.Values(target, leaf.Value())...)
	}

	targets := make([]string, 0, len(m.table))
	for target, rule := range m.table {
		if rule.Path != "" && !rule.Excluded {
			targets = append(targets, target)
		}
	}
	sort.Strings(targets)
	for _, target := range targets {
		for _, n := range root.FindPath(m.table[target].Path) {
			md.Append(target, m.Values(target, n.Value())...)
		}
	}
	return md
}

// Reverse returns canonical field -> export column name. Excluded fields are
// omitted.
func (m *Mapper) Reverse() map[string]string {
	return maps.Clone(m.columns)
}

func (m *Mapper) reverse() map[string]string {
	out := make(map[string]string, len(m.table))
	for target, rule := range m.table {
		if rule.Excluded {
			continue
		}
		col := target
		if len(rule.From) > 0 {
			col = rule.From[0]
		}
		out[target] = col
	}
	return out
}

// Column returns the export column for a canonical field.
func (m *Mapper) Column(target string) string {
	if col, ok := m.columns[Key(target)]; ok {
		return col
	}
	return target
}

var titleCaser = cases.Title(language.English)

func normalize(target, v string) string {
	v = strings.Join(strings.Fields(v), " ")
	switch target {
	case "language":
		return strings.ToLower(v)
	case "type", "types", "resource_type":
		return titleCaser.String(v)
	}
	return v
}
