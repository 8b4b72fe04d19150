package mapping

import "sort"

// Metadata is canonical record metadata: field -> scalar or ordered list.
type Metadata map[string]any

// Append adds values to a list field, keeping order.
func (m Metadata) Append(field string, values ...string) {
	if len(values) == 0 {
		return
	}
	existing := m.Values(field)
	m[field] = append(existing, values...)
}

// Values returns field as a list of strings regardless of its stored shape.
func (m Metadata) Values(field string) []string {
	switch v := m[field].(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// First returns the first value of field, or "".
func (m Metadata) First(field string) string {
	if vs := m.Values(field); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether field carries at least one non-empty value.
func (m Metadata) Has(field string) bool {
	if field == FieldCollections {
		_, ok := m[field]
		return ok
	}
	return len(m.Values(field)) > 0
}

// Fields returns the sorted field names.
func (m Metadata) Fields() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
