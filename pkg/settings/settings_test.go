package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

func decodeViz(t *testing.T, s string) VizSettings {
	t.Helper()
	var v VizSettings
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

const sampleViz = `{
  "graph.dimensions": ["DAY", "REGION"],
  "graph.metrics": ["TOTAL_AMOUNT"],
  "scalar.field": "TOTAL_AMOUNT",
  "table.pivot_column": "REGION",
  "graph.show_values": true,
  "column_settings": {
    "[\"name\",\"TOTAL_AMOUNT\"]": {"number_style": "currency"},
    "[\"ref\",[\"field\",12,null]]": {"column_title": "kept"}
  }
}`

func TestMapColumnNames(t *testing.T) {
	in := decodeViz(t, sampleViz)
	names := ColumnNames{"total_amount": "total_amount_eur", "DAY": "day_start"}

	out, missing := MapColumnNames(in, names)

	assert.Equal(t, []any{"day_start", "REGION"}, out[KeyDimensions])
	assert.Equal(t, []any{"total_amount_eur"}, out[KeyMetrics])
	assert.Equal(t, "total_amount_eur", out[KeyScalarField])
	assert.Equal(t, "REGION", out[KeyPivotColumn])
	assert.Equal(t, true, out["graph.show_values"])

	cs := out[KeyColumnSettings].(map[string]any)
	assert.Contains(t, cs, `["name","total_amount_eur"]`)
	assert.Contains(t, cs, `["ref",["field",12,null]]`)
	assert.NotContains(t, cs, `["name","TOTAL_AMOUNT"]`)

	assert.Equal(t, []string{"REGION"}, missing)

	// input untouched
	assert.Equal(t, []any{"DAY", "REGION"}, in[KeyDimensions])
	assert.Contains(t, in[KeyColumnSettings].(map[string]any), `["name","TOTAL_AMOUNT"]`)
}

func TestMapColumnNames_Nil(t *testing.T) {
	out, missing := MapColumnNames(nil, ColumnNames{"a": "b"})
	assert.Nil(t, out)
	assert.Nil(t, missing)
}

func TestApplyFormatting(t *testing.T) {
	in := VizSettings{}
	names := ColumnNames{"SHARE": "share", "REVENUE": "revenue", "VISITS": "visits"}
	f := Formatting{
		PercentColumns:  []string{"SHARE"},
		CurrencyColumns: []string{"REVENUE"},
		MiniBarColumns:  []string{"VISITS"},
		Conditional: map[string][]map[string]any{
			"VISITS": {{"type": "single", "operator": ">", "value": 100, "color": "#84BB4C"}},
		},
	}

	out := ApplyFormatting(in, names, f)
	cs := out[KeyColumnSettings].(map[string]any)

	assert.Equal(t, "percent", cs[`["name","share"]`].(map[string]any)["number_style"])
	revenue := cs[`["name","revenue"]`].(map[string]any)
	assert.Equal(t, "currency", revenue["number_style"])
	assert.Equal(t, 0, revenue["decimals"])
	assert.Equal(t, true, cs[`["name","visits"]`].(map[string]any)["show_mini_bar"])

	rules := out[KeyColumnFormatting].([]any)
	require.Len(t, rules, 1)
	rule := rules[0].(map[string]any)
	assert.Equal(t, []any{"visits"}, rule["columns"])
	assert.NotContains(t, f.Conditional["VISITS"][0], "columns")

	assert.Empty(t, in, "input modified")
}

func TestApplyDisplayNames(t *testing.T) {
	in := decodeViz(t, `{"column_settings": {"[\"name\",\"revenue\"]": {"decimals": 2}}}`)
	out := ApplyDisplayNames(in, map[string]string{"revenue": "Revenue (EUR)"})

	col := out[KeyColumnSettings].(map[string]any)[`["name","revenue"]`].(map[string]any)
	assert.Equal(t, "Revenue (EUR)", col["column_title"])
	assert.Equal(t, float64(2), col["decimals"])

	_, had := in[KeyColumnSettings].(map[string]any)[`["name","revenue"]`].(map[string]any)["column_title"]
	assert.False(t, had)
}

func TestAliasHints(t *testing.T) {
	hints := AliasHints(decodeViz(t, sampleViz))
	assert.Equal(t, []string{"DAY", "REGION", "TOTAL_AMOUNT"}, hints.Names())

	got, n := rewrite.NormalizeAliases("SELECT SUM(x) AS total_amount FROM t", hints, "tr")
	assert.Equal(t, "SELECT SUM(x) AS TOTAL_AMOUNT FROM t", got)
	assert.Equal(t, 1, n)
}

func testColumnMapping() *rewrite.IdentifierMapping {
	return rewrite.NewIdentifierMapping(nil, map[int64]int64{10: 110, 11: 111})
}

func decodeTags(t *testing.T, s string) TemplateTags {
	t.Helper()
	var tags TemplateTags
	require.NoError(t, json.Unmarshal([]byte(s), &tags))
	return tags
}

func TestUpdateTemplateTags(t *testing.T) {
	tags := decodeTags(t, `{
	  "start":  {"name": "start", "type": "date"},
	  "region": {"name": "region", "type": "dimension", "field-id": 10, "dimension": ["field", 10, null]},
	  "user":   {"name": "user", "type": "dimension", "dimension": ["field", 11, {"base-type": "type/Integer"}]},
	  "named":  {"name": "named", "type": "dimension", "dimension": ["field", "REGION", null]}
	}`)

	out, unmapped, err := UpdateTemplateTags(tags, testColumnMapping(), RefuseUnmapped)
	require.NoError(t, err)
	assert.Empty(t, unmapped)

	assert.Equal(t, int64(110), out["region"]["field-id"])
	assert.Equal(t, []any{"field", int64(110), nil}, out["region"]["dimension"])
	assert.Equal(t, int64(111), out["user"]["dimension"].([]any)[1])
	assert.Equal(t, "REGION", out["named"]["dimension"].([]any)[1])
	assert.Equal(t, tags["start"], out["start"])

	assert.Equal(t, float64(10), tags["region"]["field-id"], "input modified")
}

func TestUpdateTemplateTags_Unmapped(t *testing.T) {
	tags := decodeTags(t, `{
	  "a": {"field-id": 99, "dimension": ["field", 99, null]},
	  "b": {"field-id": 10}
	}`)

	out, unmapped, err := UpdateTemplateTags(tags, testColumnMapping(), KeepUnmapped)
	require.NoError(t, err)
	assert.Equal(t, []string{"a (field-id: 99)", "a (dimension field: 99)"}, unmapped)
	assert.Equal(t, float64(99), out["a"]["field-id"])
	assert.Equal(t, int64(110), out["b"]["field-id"])

	out, unmapped, err = UpdateTemplateTags(tags, testColumnMapping(), RefuseUnmapped)
	require.Error(t, err)
	assert.True(t, shifterrors.IsCode(err, shifterrors.ErrCodeUnmappedField))
	assert.Nil(t, out)
	assert.Len(t, unmapped, 2)
}

func TestConvertGranularity(t *testing.T) {
	tags := decodeTags(t, `{
	  "granularity": {"id": "abc-123", "name": "granularity", "type": "dimension", "field-id": 10},
	  "start": {"name": "start", "type": "date"}
	}`)
	dashboards := Dashboards{405: {GranularityToStaticList: true, GranularityDefault: "month"}}

	opts, ok := dashboards.For(405)
	require.True(t, ok)
	out := ConvertGranularity(tags, opts)

	g := out["granularity"]
	assert.Equal(t, "abc-123", g["id"])
	assert.Equal(t, "text", g["type"])
	assert.Equal(t, "month", g["default"])
	assert.Equal(t, true, g["required"])
	assert.Equal(t, "static-list", g["values_source_type"])
	values := g["values_source_config"].(map[string]any)["values"].([]any)
	require.Len(t, values, len(DefaultGranularityValues))
	assert.Equal(t, []any{"hour"}, values[0])
	assert.NotContains(t, g, "field-id")
	assert.Equal(t, tags["start"], out["start"])
	assert.Equal(t, "dimension", tags["granularity"]["type"], "input modified")

	_, ok = dashboards.For(1)
	assert.False(t, ok)
	assert.Equal(t, tags, ConvertGranularity(tags, DashboardOptions{}))
}

func TestColumnConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadColumnConfig(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.ForDashboard(1))

	path := filepath.Join(dir, "column_mapping_config.json")
	body := `{
	  "column_mappings": {"exasol_to_starrocks": {"AMOUNT": "amount_eur", "DAY": "day"}},
	  "dashboard_specific_mappings": {
	    "405": {"additional_mappings": {"DAY": "day_start"}, "display_names": {"day_start": "Day"}}
	  },
	  "formatting_preservation": {"percentage_columns": ["SHARE"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err = LoadColumnConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ColumnNames{"AMOUNT": "amount_eur", "DAY": "day_start"}, cfg.ForDashboard(405))
	assert.Equal(t, ColumnNames{"AMOUNT": "amount_eur", "DAY": "day"}, cfg.ForDashboard(406))
	assert.Equal(t, map[string]string{"day_start": "Day"}, cfg.DisplayNames(405))
	assert.Equal(t, []string{"SHARE"}, cfg.Formatting.PercentColumns)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = LoadColumnConfig(path)
	assert.True(t, shifterrors.IsCode(err, shifterrors.ErrCodeConfigParse))
}
