package rewrite

import (
	"regexp"
	"sort"
	"strings"
)

const (
	msgFullOuterJoin  = "FULL OUTER JOIN may not be supported by the target; review the join"
	msgDistinctWindow = "COUNT(DISTINCT ...) OVER (...) is not supported as a window function"
)

var (
	fullOuterJoinPattern  = `(?i)\bFULL\s+(?:OUTER\s+)?JOIN\b`
	distinctWindowPattern = `(?i)\bCOUNT\s*\(\s*DISTINCT\b[^)]*\)\s*OVER\s*\(`
)

// StandardRules returns the Exasol to StarRocks rule set in application
// order: pagination, null handling, conversions and renames, numeric safety,
// window and join structure, aggregate shape, reserved words, field
// parameters, derived-table aliases.
func StandardRules(opts Options) RuleSet {
	var rs RuleSet

	// Pagination
	if opts.LimitStyle == LimitComma {
		operand := `(\d+|` + sentinelPattern + `)`
		rs = append(rs, Pattern("limit-offset",
			`(?i)\bLIMIT\s+`+operand+`\s+OFFSET\s+`+operand+`\b`,
			"LIMIT ${2}, ${1}"))
	}
	rs = append(rs,
		&selectTopRule{},
		PatternFunc("trailing-top", `(?i)(\bSELECT\s+(?:DISTINCT\s+)?)?\bTOP\s+(\d+)\b`,
			func(g []string) (string, bool) {
				if g[1] != "" {
					return "", false
				}
				return "LIMIT " + g[2], true
			}),
	)

	// Null handling
	rs = append(rs,
		Call("nullifzero", "NULLIFZERO", arity(1, func(a []string) string {
			return "NULLIF(" + a[0] + ", 0)"
		})),
		Call("zeroifnull", "ZEROIFNULL", arity(1, func(a []string) string {
			return "IFNULL(" + a[0] + ", 0)"
		})),
		Call("nvl", "NVL", arity(2, func(a []string) string {
			return "IFNULL(" + a[0] + ", " + a[1] + ")"
		})),
		Call("nullif-single-arg", "NULLIF", arity(1, func(a []string) string {
			return "IFNULL(" + a[0] + ", 0)"
		})),
	)

	// Conversions and renames
	rs = append(rs,
		Call("convert", "CONVERT", convertCall),
		Call("to-char", "TO_CHAR", toCharCall),
		Call("to-date", "TO_DATE", toDateCall),
	)
	for _, u := range dateAddUnits {
		unit := u.unit
		rs = append(rs, Call(u.rule, u.fn, arity(2, func(a []string) string {
			return "DATE_ADD(" + a[0] + ", INTERVAL " + intervalOperand(a[1]) + " " + unit + ")"
		})))
	}
	rs = append(rs, Call("days-between", "DAYS_BETWEEN", arity(2, func(a []string) string {
		return "DATEDIFF(" + a[0] + ", " + a[1] + ")"
	})))
	for _, u := range betweenUnits {
		unit := u.unit
		rs = append(rs, Call(u.rule, u.fn, arity(2, func(a []string) string {
			return "TIMESTAMPDIFF(" + unit + ", " + a[1] + ", " + a[0] + ")"
		})))
	}
	rs = append(rs,
		Call("instr", "INSTR", func(a []string) (string, bool) {
			switch len(a) {
			case 2:
				return "LOCATE(" + a[1] + ", " + a[0] + ")", true
			case 3:
				return "LOCATE(" + a[1] + ", " + a[0] + ", " + a[2] + ")", true
			}
			return "", false
		}),
		Call("substr", "SUBSTR", func(a []string) (string, bool) {
			if len(a) < 2 || len(a) > 3 {
				return "", false
			}
			return "SUBSTRING(" + strings.Join(a, ", ") + ")", true
		}),
		Call("json-value", "JSON_VALUE", func(a []string) (string, bool) {
			if len(a) != 2 || !isStringLiteral(a[1]) {
				return "", false
			}
			return "parse_json(" + a[0] + ")->" + a[1], true
		}),
		Pattern("date-literal", `(?i)\bDATE\s+('[^']*')`, "${1}"),
	)

	// Numeric safety
	rs = append(rs,
		&divisionRule{fns: []string{"sum", "count", "avg", "min", "max"}},
		Call("nullif-float", "NULLIF", func(a []string) (string, bool) {
			if len(a) != 2 || a[1] != "0" || isCast(a[0]) {
				return "", false
			}
			return "NULLIF(CAST(" + a[0] + " AS FLOAT), 0)", true
		}),
	)

	// Window and join structure
	rs = append(rs,
		PatternFunc("partition-by-constant",
			`(?i)\bPARTITION\s+BY\s+1\s*(\)|\bORDER\b|\bROWS\b|\bRANGE\b)`,
			func(g []string) (string, bool) { return g[1], true }),
		Flag("full-outer-join", fullOuterJoinPattern, UnsupportedIdiom, msgFullOuterJoin),
		Flag("distinct-window", distinctWindowPattern, UnsupportedIdiom, msgDistinctWindow),
	)

	// Aggregate shape
	fraction := opts.PercentileFraction.String()
	form := opts.Median
	rs = append(rs,
		Call("median", "MEDIAN", arity(1, func(a []string) string {
			return renderPercentile(form, "PERCENTILE_CONT", a[0], fraction)
		})),
		&percentileRule{form: form},
		&listaggRule{},
	)

	// Reserved words
	froms := make([]string, 0, len(opts.ReservedRenames))
	for from := range opts.ReservedRenames {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		rs = append(rs, newReservedRule(from, opts.ReservedRenames[from]))
	}

	// Field parameters
	for _, fp := range opts.FieldParameters {
		if fp.Field == "" || fp.Tag == "" {
			continue
		}
		rs = append(rs, newFieldParamRule(fp))
	}

	rs = append(rs, &subqueryAliasRule{prefix: opts.SubqueryAliasPrefix})
	return rs
}

// arity adapts a generator that needs exactly n arguments.
func arity(n int, gen func(args []string) string) func([]string) (string, bool) {
	return func(args []string) (string, bool) {
		if len(args) != n {
			return "", false
		}
		return gen(args), true
	}
}

var dateAddUnits = []struct{ rule, fn, unit string }{
	{"add-days", "ADD_DAYS", "DAY"},
	{"add-weeks", "ADD_WEEKS", "WEEK"},
	{"add-months", "ADD_MONTHS", "MONTH"},
	{"add-years", "ADD_YEARS", "YEAR"},
	{"add-hours", "ADD_HOURS", "HOUR"},
	{"add-minutes", "ADD_MINUTES", "MINUTE"},
	{"add-seconds", "ADD_SECONDS", "SECOND"},
}

var betweenUnits = []struct{ rule, fn, unit string }{
	{"hours-between", "HOURS_BETWEEN", "HOUR"},
	{"minutes-between", "MINUTES_BETWEEN", "MINUTE"},
	{"seconds-between", "SECONDS_BETWEEN", "SECOND"},
}

var simpleOperand = regexp.MustCompile(`^-?[A-Za-z0-9_.$]+$`)

func intervalOperand(s string) string {
	if simpleOperand.MatchString(s) {
		return s
	}
	return "(" + s + ")"
}

func isStringLiteral(s string) bool {
	return len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\''
}

func isCast(s string) bool {
	if !hasPrefixFold(s, "CAST") {
		return false
	}
	i := skipSpace(s, len("CAST"))
	return i < len(s) && s[i] == '('
}

var typeNamePattern = regexp.MustCompile(`(?i)^(VARCHAR|CHAR|DECIMAL|NUMERIC|NUMBER|DOUBLE|FLOAT|REAL|INT|INTEGER|BIGINT|SMALLINT|TINYINT|DATE|TIMESTAMP|BOOLEAN|BOOL)\b`)

// convertCall handles CONVERT(type, expr). Calls whose first argument is not
// a type are left alone; they already have the target's argument order.
func convertCall(a []string) (string, bool) {
	if len(a) != 2 || !typeNamePattern.MatchString(a[0]) {
		return "", false
	}
	typ := a[0]
	if strings.EqualFold(strings.Join(strings.Fields(typ), " "), "DOUBLE PRECISION") {
		typ = "DOUBLE"
	}
	return "CAST(" + a[1] + " AS " + typ + ")", true
}

func toCharCall(a []string) (string, bool) {
	switch len(a) {
	case 1:
		return "CAST(" + a[0] + " AS VARCHAR)", true
	case 2:
		if !isStringLiteral(a[1]) {
			return "", false
		}
		format, ok := translateDateFormat(a[1][1 : len(a[1])-1])
		if !ok {
			return "", false
		}
		return "DATE_FORMAT(" + a[0] + ", '" + format + "')", true
	}
	return "", false
}

func toDateCall(a []string) (string, bool) {
	switch len(a) {
	case 1:
		return "DATE(" + a[0] + ")", true
	case 2:
		if !isStringLiteral(a[1]) {
			return "", false
		}
		format, ok := translateDateFormat(a[1][1 : len(a[1])-1])
		if !ok {
			return "", false
		}
		return "STR_TO_DATE(" + a[0] + ", '" + format + "')", true
	}
	return "", false
}

// Exasol datetime format elements and their MySQL equivalents, longest
// first so YYYY wins over YY.
var dateFormatElements = []struct{ from, to string }{
	{"YYYY", "%Y"},
	{"MONTH", "%M"},
	{"HH24", "%H"},
	{"HH12", "%h"},
	{"FF6", "%f"},
	{"FF3", "%f"},
	{"DDD", "%j"},
	{"DAY", "%W"},
	{"MON", "%b"},
	{"YY", "%y"},
	{"MM", "%m"},
	{"DD", "%d"},
	{"DY", "%a"},
	{"HH", "%h"},
	{"MI", "%i"},
	{"SS", "%s"},
	{"FF", "%f"},
	{"IW", "%v"},
	{"AM", "%p"},
	{"PM", "%p"},
}

// translateDateFormat rewrites an Exasol format model into a MySQL format
// string. It fails when the model contains no datetime element, which is the
// case for numeric formats like '999.99'.
func translateDateFormat(format string) (string, bool) {
	var b strings.Builder
	found := false
	upper := strings.ToUpper(format)
	for i := 0; i < len(format); {
		if format[i] == '"' {
			end := strings.IndexByte(format[i+1:], '"')
			if end < 0 {
				return "", false
			}
			b.WriteString(strings.ReplaceAll(format[i+1:i+1+end], "%", "%%"))
			i += end + 2
			continue
		}
		matched := false
		for _, el := range dateFormatElements {
			if strings.HasPrefix(upper[i:], el.from) {
				b.WriteString(el.to)
				i += len(el.from)
				matched, found = true, true
				break
			}
		}
		if matched {
			continue
		}
		if format[i] == '%' {
			b.WriteString("%%")
		} else {
			b.WriteByte(format[i])
		}
		i++
	}
	return b.String(), found
}

func renderPercentile(form MedianForm, fn, expr, fraction string) string {
	if form == MedianWithinGroup {
		return fn + "(" + fraction + ") WITHIN GROUP (ORDER BY " + expr + ")"
	}
	return fn + "(" + expr + ", " + fraction + ")"
}
