package rewrite

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
)

func TestConvert_EndToEnd(t *testing.T) {
	m := NewIdentifierMapping([]TableMapping{
		{Source: TableRef{Schema: "mart", Table: "transactions"}, Target: TargetTable{Database: "sr_mart", Table: "transactions"}},
	}, nil)

	got, report := Convert(
		"SELECT * FROM MART.TRANSACTIONS WHERE d >= {{start_date}} LIMIT 50 OFFSET 5",
		m, nil, StandardRules(DefaultOptions()))

	want := "SELECT * FROM sr_mart.transactions WHERE d >= {{start_date}} LIMIT 5, 50"
	if got != want {
		t.Errorf("\n got: %s\nwant: %s", got, want)
	}
	if !report.Success || !report.VariablesPreserved {
		t.Errorf("report = %+v", report)
	}
	if report.TablesConverted != 1 {
		t.Errorf("TablesConverted = %d, want 1", report.TablesConverted)
	}
	if len(report.Errors) != 0 {
		t.Errorf("Errors = %v", report.Errors)
	}
}

func TestConvert_PlaceholderRoundTrip(t *testing.T) {
	rules := StandardRules(DefaultOptions())
	m := testMapping()

	inputs := []string{
		"SELECT * FROM mart.users WHERE id = {{user_id}}",
		"SELECT MEDIAN({{col}}) FROM mart.transactions",
		"SELECT a FROM t LIMIT {{n}} OFFSET {{m}}",
		"SELECT TOP {{n}} a FROM t",
		"SELECT grouping FROM t WHERE 1=1 [[AND grouping = {{grouping}}]]",
		"SELECT NVL({{a}}, {{ b }}) FROM t WHERE x IN ({{a}})",
		"SELECT * FROM (SELECT * FROM t WHERE d > {{d}}) [[WHERE y = {{y}}]]",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			got, report := Convert(in, m, nil, rules)
			want := uniqueSorted(ExtractPlaceholders(in))
			have := uniqueSorted(ExtractPlaceholders(got))
			if !reflect.DeepEqual(want, have) {
				t.Errorf("placeholders %v became %v in %s", want, have, got)
			}
			if !report.Success || !report.VariablesPreserved {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

func TestConvert_PaginationWithPlaceholders(t *testing.T) {
	got, _ := Convert("SELECT a FROM t LIMIT {{n}} OFFSET {{m}}", nil, nil, StandardRules(DefaultOptions()))
	if got != "SELECT a FROM t LIMIT {{m}}, {{n}}" {
		t.Errorf("got %s", got)
	}

	got, _ = Convert("SELECT TOP {{n}} a FROM t", nil, nil, StandardRules(DefaultOptions()))
	if got != "SELECT a FROM t LIMIT {{n}}" {
		t.Errorf("got %s", got)
	}
}

func TestConvert_PlaceholderTableNotReported(t *testing.T) {
	got, report := Convert("SELECT * FROM mart.{{tbl}}", testMapping(), nil, StandardRules(DefaultOptions()))
	if got != "SELECT * FROM mart.{{tbl}}" {
		t.Errorf("got %s", got)
	}
	if report.Has(UnmappedIdentifier) {
		t.Errorf("placeholder reported as unmapped table: %+v", report.Findings)
	}
	for _, w := range report.Warnings {
		if strings.Contains(w, "__") {
			t.Errorf("warning exposes internal text: %s", w)
		}
	}
}

func TestConvert_TopBeforeLineComment(t *testing.T) {
	got, report := Convert("SELECT TOP 10 * FROM mart.transactions -- newest first", testMapping(), nil, StandardRules(DefaultOptions()))
	want := "SELECT * FROM sr_mart.transactions LIMIT 10 -- newest first"
	if got != want {
		t.Errorf("\n got: %s\nwant: %s", got, want)
	}
	if !report.Success {
		t.Errorf("report = %+v", report)
	}
}

func TestPipeline_ConcurrentConvert(t *testing.T) {
	p := NewStandardPipeline(DefaultOptions(), nil)
	m := testMapping()
	in := "SELECT users.id, NVL(t.amount, 0) FROM mart.users JOIN mart.transactions t ON t.user_id = users.id WHERE t.d > {{start}} LIMIT 10 OFFSET 5"
	want, _ := Convert(in, testMapping(), nil, StandardRules(DefaultOptions()))

	var wg sync.WaitGroup
	errs := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, report := p.Convert(in, m, nil)
			if !report.Success {
				errs <- "conversion failed"
				return
			}
			if got != want {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestConvert_IdentityWithoutRules(t *testing.T) {
	in := "SELECT {{a}} FROM t WHERE b = {{ b }}"
	got, report := Convert(in, nil, nil, nil)
	if got != in {
		t.Errorf("got %q, want %q", got, in)
	}
	if !report.Success || report.FunctionsConverted != 0 || report.TablesConverted != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestConvert_Empty(t *testing.T) {
	got, report := Convert("", nil, nil, StandardRules(DefaultOptions()))
	if got != "" || !report.Success {
		t.Errorf("got %q, report %+v", got, report)
	}
}

func TestConvert_PlaceholderLossFails(t *testing.T) {
	rules := RuleSet{Pattern("drop-sentinels", sentinelPattern, "NULL")}

	got, report := Convert("SELECT {{a}} FROM t", nil, nil, rules)
	if got != "SELECT NULL FROM t" {
		t.Fatalf("got %s", got)
	}
	if report.Success || report.VariablesPreserved {
		t.Errorf("loss not detected: %+v", report)
	}
	if !report.Has(PlaceholderLoss) || len(report.Errors) != 1 {
		t.Errorf("Findings = %+v, Errors = %v", report.Findings, report.Errors)
	}
}

func TestConvert_IntroducedPlaceholders(t *testing.T) {
	opts := DefaultOptions()
	opts.FieldParameters = []FieldParameter{
		{Field: "granularity", Tag: "granularity", Functions: []string{"date_trunc"}},
	}
	p := NewStandardPipeline(opts, nil)

	got, report := p.Convert(
		"SELECT date_trunc(x.granularity, x.d), COUNT(*) FROM mart.transactions x WHERE x.d > {{start}} GROUP BY 1",
		testMapping(), nil)

	want := "SELECT date_trunc({{granularity}}, x.d), COUNT(*) FROM sr_mart.transactions x WHERE x.d > {{start}} GROUP BY 1"
	if got != want {
		t.Errorf("\n got: %s\nwant: %s", got, want)
	}
	if !report.Success || !report.VariablesPreserved {
		t.Errorf("report = %+v", report)
	}
	if !reflect.DeepEqual(report.IntroducedPlaceholders, []string{"granularity"}) {
		t.Errorf("IntroducedPlaceholders = %v", report.IntroducedPlaceholders)
	}
}

func TestConvert_Findings(t *testing.T) {
	rules := StandardRules(DefaultOptions())

	tests := []struct {
		name  string
		input string
		rules RuleSet
		kind  FindingKind
	}{
		{"full outer join", "SELECT * FROM a FULL OUTER JOIN b ON a.id = b.id", rules, UnsupportedIdiom},
		{"unmapped table", "SELECT * FROM mart.unknown", rules, UnmappedIdentifier},
		{"residual median", "SELECT MEDIAN(x) FROM t", rules.Without("median"), ResidualIdiom},
		{"malformed placeholder", "SELECT * FROM t WHERE a = {{x", rules, MalformedPlaceholder},
		{"top in set operation", "SELECT TOP 5 a FROM t UNION ALL SELECT b FROM u", rules, UnsupportedIdiom},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, report := Convert(tc.input, testMapping(), nil, tc.rules)
			if !report.Success {
				t.Errorf("warning-only finding failed the conversion: %+v", report)
			}
			if report.Count(tc.kind) != 1 {
				t.Errorf("want one %s finding, got %+v", tc.kind, report.Findings)
			}
			if len(report.Warnings) == 0 {
				t.Error("no warning recorded")
			}
		})
	}
}

func TestValidator_NoFalseFailures(t *testing.T) {
	v := NewValidator(DefaultResidualTokens(), nil)

	r := v.Validate("SELECT {{x}}", "SELECT {{x}}")
	if !r.Success || !r.VariablesPreserved || len(r.Warnings) != 0 {
		t.Errorf("identical placeholders: %+v", r)
	}

	r = v.Validate("SELECT {{x}}, {{x}}", "SELECT {{x}}")
	if !r.Success || !r.VariablesPreserved {
		t.Errorf("count mismatch must not fail: %+v", r)
	}
	if len(r.Warnings) != 1 {
		t.Errorf("Warnings = %v", r.Warnings)
	}

	r = v.Validate("SELECT {{x}}", "SELECT {{x}}, {{y}}")
	if r.Success || r.VariablesPreserved {
		t.Errorf("unexpected placeholder not detected: %+v", r)
	}

	r = v.Validate("SELECT 1", "SELECT 1, {{g}}", "g")
	if !r.Success {
		t.Errorf("introduced placeholder treated as loss: %+v", r)
	}
}

type rejectAll struct{}

func (rejectAll) Check(string) error { return errString("syntax error at position 1") }

type errString string

func (e errString) Error() string { return string(e) }

func TestValidator_SyntaxChecker(t *testing.T) {
	r := NewValidator(nil, rejectAll{}).Validate("SELECT 1", "SELECT 1")
	if !r.Success || !r.Has(SyntaxRisk) {
		t.Errorf("report = %+v", r)
	}
}

func TestNormalizeAliases(t *testing.T) {
	tests := []struct {
		name  string
		input string
		hints AliasHints
		want  string
		n     int
	}{
		{
			name:  "as alias and order by",
			input: "SELECT SUM(x) AS total_amount FROM t ORDER BY total_amount",
			hints: NewAliasHints("Total_Amount"),
			want:  "SELECT SUM(x) AS Total_Amount FROM t ORDER BY Total_Amount",
			n:     2,
		},
		{
			name:  "primary alias",
			input: "SELECT tr.amount FROM t tr",
			hints: NewAliasHints("AMOUNT"),
			want:  "SELECT tr.AMOUNT FROM t tr",
			n:     1,
		},
		{
			name:  "other alias and calls untouched",
			input: "SELECT x.amount, amount(1), 'amount' FROM t x",
			hints: NewAliasHints("AMOUNT"),
			want:  "SELECT x.amount, amount(1), 'amount' FROM t x",
		},
		{
			name:  "sql word hints ignored",
			input: "SELECT CAST(x AS date) FROM t",
			hints: NewAliasHints("DATE"),
			want:  "SELECT CAST(x AS date) FROM t",
		},
		{
			name:  "non identifier hints ignored",
			input: "SELECT a FROM t",
			hints: NewAliasHints("Total Amount", "  "),
			want:  "SELECT a FROM t",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, n := NormalizeAliases(tc.input, tc.hints, "tr")
			if got != tc.want {
				t.Errorf("\n got: %s\nwant: %s", got, tc.want)
			}
			if n != tc.n {
				t.Errorf("n = %d, want %d", n, tc.n)
			}
		})
	}
}

func TestConvert_AliasesCounted(t *testing.T) {
	_, report := Convert("SELECT a AS total FROM t", nil, NewAliasHints("TOTAL"), nil)
	if report.AliasesNormalized != 1 {
		t.Errorf("AliasesNormalized = %d", report.AliasesNormalized)
	}
}

func TestConversionReport_AddDedupes(t *testing.T) {
	r := NewReport()
	f := Finding{Kind: UnsupportedIdiom, Message: "x"}
	r.Add(f)
	r.Add(f)
	if len(r.Findings) != 1 || len(r.Warnings) != 1 {
		t.Errorf("duplicates kept: %+v", r)
	}
	if !strings.Contains(UnsupportedIdiom.String(), "unsupported") {
		t.Errorf("String() = %s", UnsupportedIdiom)
	}
}

func uniqueSorted(names []string) []string {
	set := make(map[string]bool)
	var out []string
	for _, n := range names {
		if !set[n] {
			set[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
