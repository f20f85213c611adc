// Package settings rewrites the Metabase card metadata that travels with a
// native query: visualization settings, template tags and per-dashboard
// parameter options.
//
// Every transform takes its input by value and returns a new value; inputs are
// never modified.
package settings

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

// Visualization setting keys that hold column names.
const (
	KeyColumnSettings   = "column_settings"
	KeyDimensions       = "graph.dimensions"
	KeyMetrics          = "graph.metrics"
	KeyScalarField      = "scalar.field"
	KeyCellColumn       = "table.cell_column"
	KeyPivotColumn      = "table.pivot_column"
	KeyColumnFormatting = "table.column_formatting"
)

// VizSettings is a card's visualization_settings object.
type VizSettings map[string]any

// ColumnNames maps source column names to target column names. Lookups
// ignore case.
type ColumnNames map[string]string

func (c ColumnNames) lookup(name string) (string, bool) {
	if v, ok := c[name]; ok {
		return v, true
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, name) {
			return c[k], true
		}
	}
	return "", false
}

// ColumnKey returns the column_settings key for a column name.
func ColumnKey(name string) string {
	b, _ := json.Marshal([]string{"name", name})
	return string(b)
}

// parseColumnKey extracts the column name from a `["name","COL"]` key.
func parseColumnKey(key string) (string, bool) {
	var parts []any
	if err := json.Unmarshal([]byte(key), &parts); err != nil || len(parts) != 2 {
		return "", false
	}
	kind, _ := parts[0].(string)
	name, ok := parts[1].(string)
	if kind != "name" || !ok {
		return "", false
	}
	return name, true
}

// MapColumnNames renames columns referenced by the settings. It returns the
// new settings and the referenced names that had no mapping, sorted.
func MapColumnNames(viz VizSettings, names ColumnNames) (VizSettings, []string) {
	if viz == nil {
		return nil, nil
	}
	out := viz.Clone()
	missing := make(map[string]struct{})

	rename := func(name string) string {
		if to, ok := names.lookup(name); ok {
			return to
		}
		missing[name] = struct{}{}
		return name
	}

	if cs, ok := out[KeyColumnSettings].(map[string]any); ok {
		mapped := make(map[string]any, len(cs))
		for key, v := range cs {
			if name, ok := parseColumnKey(key); ok {
				mapped[ColumnKey(rename(name))] = v
				continue
			}
			mapped[key] = v
		}
		out[KeyColumnSettings] = mapped
	}

	for _, key := range []string{KeyDimensions, KeyMetrics} {
		list, ok := out[key].([]any)
		if !ok {
			continue
		}
		for i, v := range list {
			if s, ok := v.(string); ok {
				list[i] = rename(s)
			}
		}
	}

	for _, key := range []string{KeyScalarField, KeyCellColumn, KeyPivotColumn} {
		if s, ok := out[key].(string); ok && s != "" {
			out[key] = rename(s)
		}
	}

	return out, sortedKeys(missing)
}

// Formatting preserves column formatting across a migration. Column lists
// name source columns.
type Formatting struct {
	PercentColumns  []string                    `json:"percentage_columns" yaml:"percentage_columns"`
	CurrencyColumns []string                    `json:"currency_columns" yaml:"currency_columns"`
	MiniBarColumns  []string                    `json:"mini_bar_columns" yaml:"mini_bar_columns"`
	Conditional     map[string][]map[string]any `json:"conditional_formatting_rules" yaml:"conditional_formatting_rules"`
}

// ApplyFormatting writes the configured formatting for every mapped column
// into the settings, keyed by target column name.
func ApplyFormatting(viz VizSettings, names ColumnNames, f Formatting) VizSettings {
	if viz == nil {
		return nil
	}
	out := viz.Clone()
	cs := out.columnSettings()

	percent, currency, miniBar := stringSet(f.PercentColumns), stringSet(f.CurrencyColumns), stringSet(f.MiniBarColumns)
	sources := make([]string, 0, len(names))
	for k := range names {
		sources = append(sources, k)
	}
	sort.Strings(sources)

	for _, src := range sources {
		dst := names[src]
		col := columnEntry(cs, dst)
		if _, ok := percent[src]; ok {
			col["number_style"] = "percent"
		}
		if _, ok := currency[src]; ok {
			col["number_style"] = "currency"
			col["decimals"] = 0
		}
		if _, ok := miniBar[src]; ok {
			col["show_mini_bar"] = true
		}
		if rules, ok := f.Conditional[src]; ok {
			existing, _ := out[KeyColumnFormatting].([]any)
			for _, r := range rules {
				rule := cloneValue(map[string]any(r)).(map[string]any)
				rule["columns"] = []any{dst}
				existing = append(existing, rule)
			}
			out[KeyColumnFormatting] = existing
		}
	}
	return out
}

// ApplyDisplayNames sets column titles so migrated columns keep the headers
// users saw before. displayNames maps target column names to titles.
func ApplyDisplayNames(viz VizSettings, displayNames map[string]string) VizSettings {
	if viz == nil || len(displayNames) == 0 {
		return viz
	}
	out := viz.Clone()
	cs := out.columnSettings()
	for col, title := range displayNames {
		columnEntry(cs, col)["column_title"] = title
	}
	return out
}

// AliasHints collects the column names the settings refer to, for the alias
// normalizer.
func AliasHints(viz VizSettings) rewrite.AliasHints {
	var names []string
	for _, key := range []string{KeyDimensions, KeyMetrics} {
		if list, ok := viz[key].([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					names = append(names, s)
				}
			}
		}
	}
	for _, key := range []string{KeyScalarField, KeyCellColumn, KeyPivotColumn} {
		if s, ok := viz[key].(string); ok {
			names = append(names, s)
		}
	}
	if cs, ok := viz[KeyColumnSettings].(map[string]any); ok {
		for key := range cs {
			if name, ok := parseColumnKey(key); ok {
				names = append(names, name)
			}
		}
	}
	return rewrite.NewAliasHints(names...)
}

// Clone returns a deep copy.
func (v VizSettings) Clone() VizSettings {
	if v == nil {
		return nil
	}
	return VizSettings(cloneValue(map[string]any(v)).(map[string]any))
}

func (v VizSettings) columnSettings() map[string]any {
	cs, ok := v[KeyColumnSettings].(map[string]any)
	if !ok {
		cs = make(map[string]any)
		v[KeyColumnSettings] = cs
	}
	return cs
}

func columnEntry(cs map[string]any, column string) map[string]any {
	key := ColumnKey(column)
	col, ok := cs[key].(map[string]any)
	if !ok {
		col = make(map[string]any)
		cs[key] = col
	}
	return col
}

// ColumnConfig is the column mapping file: global source-to-target column
// names, per-dashboard additions and formatting to preserve.
type ColumnConfig struct {
	ColumnMappings struct {
		ExasolToStarRocks ColumnNames `json:"exasol_to_starrocks"`
	} `json:"column_mappings"`
	DashboardSpecific map[string]struct {
		AdditionalMappings ColumnNames       `json:"additional_mappings"`
		DisplayNames       map[string]string `json:"display_names,omitempty"`
	} `json:"dashboard_specific_mappings"`
	Formatting Formatting `json:"formatting_preservation"`
}

// LoadColumnConfig reads a column mapping file. A missing file yields an
// empty config.
func LoadColumnConfig(path string) (*ColumnConfig, error) {
	var cfg ColumnConfig
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeConfigMissing, "read column config").
			WithField("path", path).Err()
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeConfigParse, "parse column config").
			WithField("path", path).Err()
	}
	return &cfg, nil
}

// ForDashboard merges the global column names with the dashboard's own.
func (c *ColumnConfig) ForDashboard(dashboardID int) ColumnNames {
	out := make(ColumnNames, len(c.ColumnMappings.ExasolToStarRocks))
	for k, v := range c.ColumnMappings.ExasolToStarRocks {
		out[k] = v
	}
	for k, v := range c.DashboardSpecific[strconv.Itoa(dashboardID)].AdditionalMappings {
		out[k] = v
	}
	return out
}

// DisplayNames returns the dashboard's column titles.
func (c *ColumnConfig) DisplayNames(dashboardID int) map[string]string {
	return c.DashboardSpecific[strconv.Itoa(dashboardID)].DisplayNames
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func stringSet(list []string) map[string]struct{} {
	s := make(map[string]struct{}, len(list))
	for _, v := range list {
		s[v] = struct{}{}
	}
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
