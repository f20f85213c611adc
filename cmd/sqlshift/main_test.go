package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/sqlshift/pkg/mapping"
	"github.com/ha1tch/sqlshift/pkg/metadata"
)

const testMapping = `{
  "database_mapping": {"exasol": 2, "starrocks": 16},
  "column_mapping": {"10": 110},
  "table_mapping": {"mart.transactions": "sr_mart.transactions"}
}`

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeMapping(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapping.json")
	require.NoError(t, os.WriteFile(path, []byte(testMapping), 0o644))
	return path
}

func TestRun_Usage(t *testing.T) {
	code, out, _ := runCLI(t, "", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Commands:")

	code, out, _ = runCLI(t, "", "version")
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out, "sqlshift version "), out)

	code, _, _ = runCLI(t, "")
	assert.Equal(t, 2, code)

	code, _, errOut := runCLI(t, "", "explode")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `unknown command "explode"`)

	code, _, _ = runCLI(t, "", "--no-such-flag")
	assert.Equal(t, 2, code)
}

func TestRun_BadConfig(t *testing.T) {
	code, _, errOut := runCLI(t, "", "-c", filepath.Join(t.TempDir(), "missing.yaml"), "convert")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "error loading config")

	code, _, _ = runCLI(t, "", "--log-level", "loud", "convert")
	assert.Equal(t, 2, code)
}

func TestConvert(t *testing.T) {
	in := "SELECT NVL(a, 0) FROM mart.transactions WHERE d > {{start}} LIMIT 10 OFFSET 5"

	code, out, _ := runCLI(t, in, "--log-level", "error", "convert", "--mapping", writeMapping(t))
	assert.Equal(t, 0, code)
	assert.Equal(t, "SELECT IFNULL(a, 0) FROM sr_mart.transactions WHERE d > {{start}} LIMIT 5, 10\n", out)
}

func TestConvert_JSON(t *testing.T) {
	code, out, _ := runCLI(t, "SELECT * FROM mart.unknown WHERE a = {{a}}",
		"--log-level", "error", "convert", "--json", "--mapping", writeMapping(t))
	assert.Equal(t, 0, code)

	var got struct {
		SQL    string `json:"sql"`
		Report struct {
			Success            bool     `json:"success"`
			VariablesPreserved bool     `json:"variables_preserved"`
			Warnings           []string `json:"warnings"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "SELECT * FROM mart.unknown WHERE a = {{a}}", got.SQL)
	assert.True(t, got.Report.Success)
	assert.True(t, got.Report.VariablesPreserved)
	assert.NotEmpty(t, got.Report.Warnings)
}

func TestConvert_Directives(t *testing.T) {
	in := "-- @sqlshift:skip-rules=limit-offset\nSELECT a FROM mart.transactions LIMIT 10 OFFSET 5"

	code, out, _ := runCLI(t, in, "--log-level", "error", "convert", "--mapping", writeMapping(t))
	assert.Equal(t, 0, code)
	assert.Equal(t, "SELECT a FROM sr_mart.transactions LIMIT 10 OFFSET 5\n", out)
}

func TestConvert_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	require.NoError(t, os.WriteFile(path, []byte("SELECT MEDIAN(x) FROM t"), 0o644))

	code, out, _ := runCLI(t, "", "--log-level", "error", "convert", "--mapping", "", path)
	assert.Equal(t, 0, code)
	assert.Equal(t, "SELECT PERCENTILE_CONT(x, 0.5) FROM t\n", out)
}

func TestConvert_BrokenMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	code, _, errOut := runCLI(t, "SELECT 1", "--log-level", "error", "convert", "--mapping", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "error:")
}

func TestCard(t *testing.T) {
	in := `{
	  "id": 7,
	  "dashboard_id": 405,
	  "query": "SELECT SUM(amount) AS total_amount FROM mart.transactions WHERE {{region}}",
	  "template_tags": {
	    "region": {"name": "region", "type": "dimension", "dimension": ["field", 10, null]},
	    "other": {"name": "other", "type": "dimension", "field-id": 99}
	  },
	  "visualization_settings": {"graph.metrics": ["TOTAL_AMOUNT"]}
	}`

	code, out, _ := runCLI(t, in, "--log-level", "error", "card",
		"--mapping", writeMapping(t),
		"--columns", filepath.Join(t.TempDir(), "none.json"))
	assert.Equal(t, 0, code)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "SELECT SUM(amount) AS TOTAL_AMOUNT FROM sr_mart.transactions WHERE {{region}}", got["query"])

	tags := got["template_tags"].(map[string]any)
	dim := tags["region"].(map[string]any)["dimension"].([]any)
	assert.Equal(t, float64(110), dim[1])
	assert.Equal(t, []any{"other (field-id: 99)"}, got["unmapped_fields"])

	code, _, errOut := runCLI(t, in, "--log-level", "error", "card", "--strict",
		"--mapping", writeMapping(t),
		"--columns", filepath.Join(t.TempDir(), "none.json"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "other (field-id: 99)")
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	dumps := metadata.NewJSONSource(dir)
	require.NoError(t, dumps.WriteDump(2, []metadata.Table{
		{ID: 1, Schema: "MART", Name: "TRANSACTIONS", Fields: []metadata.Field{{ID: 10, Name: "AMOUNT"}}},
		{ID: 2, Schema: "MART", Name: "LOST"},
	}))
	require.NoError(t, dumps.WriteDump(16, []metadata.Table{
		{ID: 101, Schema: "sr_mart", Name: "mart__transactions", Fields: []metadata.Field{{ID: 110, Name: "amount"}}},
	}))

	out := filepath.Join(dir, "migrations", "mapping.json")
	code, stdout, _ := runCLI(t, "", "--log-level", "error", "discover",
		"--dir", dir, "--out", out, "--exceptions", filepath.Join(dir, "none.json"))
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "1 tables, 1 columns")
	assert.Contains(t, stdout, "unmatched: mart.lost")

	f, err := mapping.Load(out)
	require.NoError(t, err)
	assert.Equal(t, "sr_mart.mart__transactions", f.TableMapping["mart.transactions"])
	assert.Equal(t, int64(110), f.ColumnMapping["10"])
}

func TestBatch(t *testing.T) {
	dir := t.TempDir()
	jobs := `[
	  {"id": 1, "sql": "SELECT NVL(a, 0) FROM mart.transactions"},
	  {"id": "two", "sql": "SELECT {{x}} FROM t LIMIT 3 OFFSET 1"}
	]`
	results := filepath.Join(dir, "results.json")
	db := filepath.Join(dir, "records.db")

	code, _, errOut := runCLI(t, jobs, "--log-level", "error", "batch",
		"--mapping", writeMapping(t), "--out", results, "--store", db, "--mark-usable", "--workers", "2")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, errOut, "2 queries: 2 succeeded, 0 failed")

	data, err := os.ReadFile(results)
	require.NoError(t, err)
	var got []struct {
		ID  string `json:"id"`
		SQL string `json:"sql"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "SELECT IFNULL(a, 0) FROM sr_mart.transactions", got[0].SQL)
	assert.Equal(t, "SELECT {{x}} FROM t LIMIT 1, 3", got[1].SQL)

	_, err = os.Stat(db)
	assert.NoError(t, err)
}

func TestBatch_AuditLog(t *testing.T) {
	dir := t.TempDir()
	audit := filepath.Join(dir, "audit.log")
	cfgPath := filepath.Join(dir, "sqlshift.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  async_buffer: 64\n  audit_file: "+audit+"\n"), 0o644))

	jobs := `[{"id": "card-7", "sql": "SELECT NVL(a, 0) FROM mart.transactions"}]`
	code, _, errOut := runCLI(t, jobs, "-c", cfgPath, "--log-level", "error", "--trace", "audit", "batch",
		"--mapping", writeMapping(t), "--out", filepath.Join(dir, "results.json"),
		"--store", filepath.Join(dir, "records.db"), "--mark-usable")
	require.Equal(t, 0, code, errOut)
	assert.NotContains(t, errOut, "[audit]")

	data, err := os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[audit] record saved as usable query_id=card-7")
}

func TestRun_BadTrace(t *testing.T) {
	code, _, errOut := runCLI(t, "SELECT 1", "--trace", "network", "convert")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown log category")
}

func TestBatch_BadJobs(t *testing.T) {
	code, _, _ := runCLI(t, `{"not": "a list"}`, "--log-level", "error", "batch", "--mapping", "")
	assert.Equal(t, 1, code)
}
