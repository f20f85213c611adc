package rewrite

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LimitStyle selects how LIMIT n OFFSET m is written for the target.
type LimitStyle int

const (
	// LimitComma writes LIMIT m, n.
	LimitComma LimitStyle = iota
	// LimitOffset keeps LIMIT n OFFSET m.
	LimitOffset
)

func (s LimitStyle) String() string {
	if s == LimitOffset {
		return "offset"
	}
	return "comma"
}

// ParseLimitStyle parses "comma" or "offset". Empty means comma.
func ParseLimitStyle(s string) (LimitStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "comma":
		return LimitComma, nil
	case "offset":
		return LimitOffset, nil
	default:
		return LimitComma, fmt.Errorf("unknown limit style %q", s)
	}
}

// MedianForm selects the percentile shape emitted for medians.
type MedianForm int

const (
	// MedianCall writes PERCENTILE_CONT(x, 0.5).
	MedianCall MedianForm = iota
	// MedianWithinGroup writes PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY x).
	MedianWithinGroup
)

func (f MedianForm) String() string {
	if f == MedianWithinGroup {
		return "within_group"
	}
	return "call"
}

// ParseMedianForm parses "call" or "within_group". Empty means call.
func ParseMedianForm(s string) (MedianForm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "call":
		return MedianCall, nil
	case "within_group", "within-group":
		return MedianWithinGroup, nil
	default:
		return MedianCall, fmt.Errorf("unknown median form %q", s)
	}
}

// FieldParameter turns a column reference into a dashboard parameter:
// fn(alias.Field, ...) becomes fn({{Tag}}, ...) for each listed function, or
// every alias.Field becomes {{Tag}} when Functions is empty.
type FieldParameter struct {
	Field     string   `json:"field" yaml:"field"`
	Tag       string   `json:"tag" yaml:"tag"`
	Functions []string `json:"functions,omitempty" yaml:"functions,omitempty"`
}

// Options configures StandardRules and the pipeline around them.
type Options struct {
	LimitStyle LimitStyle
	Median     MedianForm
	// PercentileFraction is the fraction written for MEDIAN.
	PercentileFraction decimal.Decimal
	// ReservedRenames maps identifiers the target reserves to replacements.
	ReservedRenames map[string]string
	FieldParameters []FieldParameter
	// SubqueryAliasPrefix names synthetic derived-table aliases (prefix + n).
	SubqueryAliasPrefix string
	// PrimaryAlias is the table alias the alias normalizer treats as the
	// query's main table.
	PrimaryAlias string
	// ResidualTokens are source-only names the validator warns about when
	// they survive conversion.
	ResidualTokens []string
}

// DefaultOptions returns the settings used for Exasol to StarRocks.
func DefaultOptions() Options {
	return Options{
		LimitStyle:          LimitComma,
		Median:              MedianCall,
		PercentileFraction:  decimal.RequireFromString("0.5"),
		ReservedRenames:     map[string]string{"grouping": "grouped"},
		SubqueryAliasPrefix: "subquery_",
		PrimaryAlias:        "tr",
		ResidualTokens:      DefaultResidualTokens(),
	}
}

// DefaultResidualTokens lists Exasol functions with no StarRocks equivalent
// of the same name.
func DefaultResidualTokens() []string {
	return []string{
		"NULLIFZERO", "ZEROIFNULL", "NVL",
		"ADD_DAYS", "ADD_WEEKS", "ADD_MONTHS", "ADD_YEARS",
		"ADD_HOURS", "ADD_MINUTES", "ADD_SECONDS",
		"DAYS_BETWEEN", "HOURS_BETWEEN", "MINUTES_BETWEEN", "SECONDS_BETWEEN",
		"LISTAGG", "MEDIAN", "TO_CHAR", "TO_DATE", "JSON_VALUE",
	}
}
