package metadata

import "sort"

// NameValue is a BigQuery-compatible type for ClientMetadata/ServerMetadata "name"/"value" pairs.
type NameValue struct {
	Name  string
	Value string
}

// FromMap converts m to NameValue pairs sorted by name.
func FromMap(m map[string]string) []NameValue {
	out := make([]NameValue, 0, len(m))
	for k, v := range m {
		out = append(out, NameValue{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
