package settings

import (
	"fmt"
	"sort"

	"github.com/spf13/cast"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

// TemplateTags is a native query's template-tags object, keyed by tag name.
type TemplateTags map[string]map[string]any

// Clone returns a deep copy.
func (t TemplateTags) Clone() TemplateTags {
	if t == nil {
		return nil
	}
	out := make(TemplateTags, len(t))
	for name, tag := range t {
		out[name] = cloneValue(tag).(map[string]any)
	}
	return out
}

// Names returns the tag names, sorted.
func (t TemplateTags) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UnmappedPolicy decides what UpdateTemplateTags does with field ids the
// mapping does not know.
type UnmappedPolicy int

const (
	// KeepUnmapped leaves unknown ids in place and reports them.
	KeepUnmapped UnmappedPolicy = iota
	// RefuseUnmapped fails the update when any id is unknown.
	RefuseUnmapped
)

// UpdateTemplateTags rewrites the field ids of field-filter tags: the
// "field-id" value and the id in a ["field", id, ...] dimension. It returns
// the updated tags and a description of every id left unmapped.
func UpdateTemplateTags(tags TemplateTags, m *rewrite.IdentifierMapping, policy UnmappedPolicy) (TemplateTags, []string, error) {
	out := tags.Clone()
	var unmapped []string

	for _, name := range out.Names() {
		tag := out[name]

		if raw, ok := tag["field-id"]; ok && raw != nil {
			if id, err := cast.ToInt64E(raw); err == nil {
				if to, ok := rewrite.MapColumnID(id, m); ok {
					tag["field-id"] = to
				} else {
					unmapped = append(unmapped, fmt.Sprintf("%s (field-id: %d)", name, id))
				}
			}
		}

		if dim, ok := tag["dimension"].([]any); ok && len(dim) >= 2 && dim[0] == "field" {
			if id, ok := fieldID(dim[1]); ok {
				if to, ok := rewrite.MapColumnID(id, m); ok {
					dim[1] = to
				} else {
					unmapped = append(unmapped, fmt.Sprintf("%s (dimension field: %d)", name, id))
				}
			}
		}
	}

	if len(unmapped) > 0 && policy == RefuseUnmapped {
		return nil, unmapped, shifterrors.UnmappedField(unmapped).Err()
	}
	return out, unmapped, nil
}

// fieldID accepts numeric ids only; ["field", "NAME", ...] references a
// result column by name and carries no id.
func fieldID(v any) (int64, bool) {
	switch v.(type) {
	case string, nil, bool:
		return 0, false
	}
	id, err := cast.ToInt64E(v)
	return id, err == nil
}

// DefaultGranularityValues are offered when a dashboard does not list its own.
var DefaultGranularityValues = []string{"hour", "day", "week", "month", "quarter", "year"}

// DashboardOptions holds per-dashboard migration switches.
type DashboardOptions struct {
	// GranularityToStaticList replaces the granularity field filter with a
	// text parameter offering a static list of values.
	GranularityToStaticList bool     `json:"granularity_to_static_list" yaml:"granularity_to_static_list"`
	GranularityValues       []string `json:"granularity_static_values" yaml:"granularity_static_values"`
	GranularityDefault      string   `json:"granularity_default" yaml:"granularity_default"`
	// GranularityTag names the tag to convert. Defaults to "granularity".
	GranularityTag string `json:"granularity_tag" yaml:"granularity_tag"`
}

// Dashboards maps dashboard ids to their options.
type Dashboards map[int]DashboardOptions

// For returns the options for a dashboard.
func (d Dashboards) For(dashboardID int) (DashboardOptions, bool) {
	opts, ok := d[dashboardID]
	return opts, ok
}

// ConvertGranularity turns the granularity tag into a required text
// parameter with a static list of values, when the options ask for it.
func ConvertGranularity(tags TemplateTags, opts DashboardOptions) TemplateTags {
	if !opts.GranularityToStaticList {
		return tags
	}
	name := opts.GranularityTag
	if name == "" {
		name = "granularity"
	}
	old, ok := tags[name]
	if !ok {
		return tags
	}

	values := opts.GranularityValues
	if len(values) == 0 {
		values = DefaultGranularityValues
	}
	listed := make([]any, len(values))
	for i, v := range values {
		listed[i] = []any{v}
	}
	def := opts.GranularityDefault
	if def == "" {
		def = "week"
	}
	id := cast.ToString(old["id"])
	if id == "" {
		id = name
	}

	out := tags.Clone()
	out[name] = map[string]any{
		"id":                 id,
		"name":               name,
		"display-name":       "Granularity",
		"type":               "text",
		"required":           true,
		"default":            def,
		"values_source_type": "static-list",
		"values_source_config": map[string]any{
			"values": listed,
		},
	}
	return out
}
