package rewrite

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// edit replaces text[start:end] with repl.
type edit struct {
	start, end int
	repl       string
}

// applyEdits applies non-overlapping edits. Edits overlapping an earlier one
// are dropped; the number applied is returned.
func applyEdits(text string, edits []edit) (string, int) {
	if len(edits) == 0 {
		return text, 0
	}
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].start < edits[j].start })
	var b strings.Builder
	pos, n := 0, 0
	for _, e := range edits {
		if e.start < pos {
			continue
		}
		b.WriteString(text[pos:e.start])
		b.WriteString(e.repl)
		pos = e.end
		n++
	}
	b.WriteString(text[pos:])
	return b.String(), n
}

// nextCallOf returns the earliest call of any of fns at or after from.
func nextCallOf(text, lower string, fns []string, from int) (callSite, string, bool) {
	var best callSite
	var bestFn string
	found := false
	for _, fn := range fns {
		site, ok := findCall(text, lower, fn, from)
		if ok && (!found || site.start < best.start) {
			best, bestFn, found = site, fn, true
		}
	}
	return best, bestFn, found
}

// enclosingParen returns the index of the innermost unclosed '(' before pos,
// or -1 at top level.
func enclosingParen(text string, pos int) int {
	var stack []int
	for i := 0; i < pos && i < len(text); i++ {
		switch c := text[i]; c {
		case '\'', '"', '`':
			j := i + 1
			for j < pos && text[j] != c {
				j++
			}
			i = j
		case '(':
			stack = append(stack, i)
		case ')':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return -1
	}
	return stack[len(stack)-1]
}

// hasTopLevelKeyword reports whether kw occurs outside parentheses and quotes.
func hasTopLevelKeyword(text, kw string) bool {
	depth := 0
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '\'', '"', '`':
			j := i + 1
			for j < len(text) && text[j] != c {
				j++
			}
			i = j
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && keywordAt(text, i, kw) {
				return true
			}
		}
	}
	return false
}

var selectTopPattern = regexp.MustCompile(`(?i)\bSELECT(\s+DISTINCT)?\s+TOP\s+(\d+|` + sentinelPattern + `)\s+`)

// selectTopRule moves SELECT TOP n to a LIMIT n at the end of the same query
// block: before the closing parenthesis of a subquery, or before the
// statement's trailing semicolon and line comments. Blocks that already have
// a LIMIT are left untouched. A TOP heading one branch of a set operation is
// left as written and flagged, since a trailing LIMIT would bind to the whole
// set operation.
type selectTopRule struct{}

var setOperators = []string{"UNION", "EXCEPT", "INTERSECT", "MINUS"}

func (r *selectTopRule) Name() string { return "select-top" }

func (r *selectTopRule) Apply(text string) Outcome {
	out := Outcome{Text: text}
	pos := 0
	for pos < len(out.Text) {
		text := out.Text
		loc := selectTopPattern.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		for i := range loc {
			if loc[i] >= 0 {
				loc[i] += pos
			}
		}
		start, bodyStart := loc[0], loc[1]
		if quotedMask(text)[start] {
			pos = bodyStart
			continue
		}

		scopeStart, scopeEnd := 0, len(text)
		open := enclosingParen(text, start)
		if open >= 0 {
			scopeStart = open + 1
			if closeIdx := matchParen(text, open); closeIdx >= 0 {
				scopeEnd = closeIdx
			}
		}
		scopeEnd = trimScopeEnd(text, bodyStart, scopeEnd, open < 0)
		body := text[bodyStart:scopeEnd]
		if hasTopLevelKeyword(body, "LIMIT") {
			pos = bodyStart
			continue
		}
		if hasSetOperator(text[scopeStart:start]) || hasSetOperator(body) {
			out.Findings = append(out.Findings, Finding{
				Kind:    UnsupportedIdiom,
				Rule:    r.Name(),
				Subject: strings.TrimSpace(text[start:bodyStart]),
				Message: "SELECT TOP in a branch of a set operation was kept; rewrite it as a parenthesized branch with LIMIT",
			})
			pos = bodyStart
			continue
		}

		head := text[start : start+len("SELECT")]
		if loc[2] >= 0 {
			head += text[loc[2]:loc[3]]
		}
		head += " "
		limit := text[loc[4]:loc[5]]

		out.Text = text[:start] + head + body + " LIMIT " + limit + text[scopeEnd:]
		out.Rewrites++
		pos = start + len(head)
	}
	return out
}

func hasSetOperator(text string) bool {
	for _, kw := range setOperators {
		if hasTopLevelKeyword(text, kw) {
			return true
		}
	}
	return false
}

// trimScopeEnd backs end off trailing whitespace and line comments, and at
// statement level off semicolons too.
func trimScopeEnd(text string, from, end int, statement bool) int {
	for end > from {
		c := text[end-1]
		if isSpace(c) || (statement && c == ';') {
			end--
			continue
		}
		if i := lineCommentStart(text, from, end); i >= 0 {
			end = i
			continue
		}
		break
	}
	return end
}

// lineCommentStart returns the index of a -- comment on the last line of
// text[from:end], or -1.
func lineCommentStart(text string, from, end int) int {
	ls := from + strings.LastIndexByte(text[from:end], '\n') + 1
	var quote byte
	for i := ls; i < end; i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '-' && i+1 < end && text[i+1] == '-':
			return i
		}
	}
	return -1
}

// divisionRule casts the denominator of AGG(a) / AGG(b) to FLOAT so the
// target does not fall back to integer division.
type divisionRule struct {
	fns []string
}

func (r *divisionRule) Name() string { return "aggregate-division" }

func (r *divisionRule) Apply(text string) Outcome {
	lower := asciiLower(text)
	var edits []edit
	pos := 0
	for {
		site, _, ok := nextCallOf(text, lower, r.fns, pos)
		if !ok {
			break
		}
		pos = site.open + 1
		j := skipSpace(text, site.end)
		if j >= len(text) || text[j] != '/' {
			continue
		}
		k := skipSpace(text, j+1)
		if k >= len(text) {
			continue
		}
		den, ok := callAt(text, lower, k, r.fns)
		if !ok {
			continue
		}
		edits = append(edits, edit{
			start: den.start,
			end:   den.end,
			repl:  "CAST(" + text[den.start:den.end] + " AS FLOAT)",
		})
	}
	res, n := applyEdits(text, edits)
	return Outcome{Text: res, Rewrites: n}
}

// percentileRule converts between PERCENTILE_CONT(x, f) and
// PERCENTILE_CONT(f) WITHIN GROUP (ORDER BY x), towards the configured form.
// A descending order is folded into the fraction as 1 - f.
type percentileRule struct {
	form MedianForm
}

var percentileFns = []string{"percentile_cont", "percentile_disc"}

func (r *percentileRule) Name() string {
	if r.form == MedianWithinGroup {
		return "percentile-call"
	}
	return "percentile-within-group"
}

func (r *percentileRule) Apply(text string) Outcome {
	lower := asciiLower(text)
	var edits []edit
	pos := 0
	for {
		site, fn, ok := nextCallOf(text, lower, percentileFns, pos)
		if !ok {
			break
		}
		pos = site.end
		name := strings.ToUpper(fn)
		args := splitArgs(site.args(text))

		switch {
		case r.form == MedianCall && len(args) == 1:
			expr, desc, end, ok := withinGroup(text, site.end)
			if !ok {
				continue
			}
			fraction := args[0]
			if desc {
				f, err := decimal.NewFromString(fraction)
				if err != nil {
					continue
				}
				fraction = decimal.NewFromInt(1).Sub(f).String()
			}
			edits = append(edits, edit{site.start, end, renderPercentile(MedianCall, name, expr, fraction)})
			pos = end
		case r.form == MedianWithinGroup && len(args) == 2:
			if _, _, _, ok := withinGroup(text, site.end); ok {
				continue
			}
			edits = append(edits, edit{site.start, site.end, renderPercentile(MedianWithinGroup, name, args[0], args[1])})
		}
	}
	res, n := applyEdits(text, edits)
	return Outcome{Text: res, Rewrites: n}
}

// listaggRule rewrites LISTAGG(x[, sep]) [WITHIN GROUP (ORDER BY y)] into
// GROUP_CONCAT(x [ORDER BY y] SEPARATOR sep). The separator defaults to ','
// as in the source dialect.
type listaggRule struct{}

func (r *listaggRule) Name() string { return "listagg" }

func (r *listaggRule) Apply(text string) Outcome {
	lower := asciiLower(text)
	var edits []edit
	pos := 0
	for {
		site, ok := findCall(text, lower, "listagg", pos)
		if !ok {
			break
		}
		pos = site.end
		args := splitArgs(site.args(text))
		if len(args) < 1 || len(args) > 2 {
			continue
		}
		sep := "','"
		if len(args) == 2 {
			sep = args[1]
		}
		end := site.end
		var b strings.Builder
		b.WriteString("GROUP_CONCAT(")
		b.WriteString(args[0])
		if orderBy, desc, wgEnd, ok := withinGroup(text, site.end); ok {
			b.WriteString(" ORDER BY ")
			b.WriteString(orderBy)
			if desc {
				b.WriteString(" DESC")
			}
			end = wgEnd
		}
		b.WriteString(" SEPARATOR ")
		b.WriteString(sep)
		b.WriteByte(')')
		edits = append(edits, edit{site.start, end, b.String()})
		pos = end
	}
	res, n := applyEdits(text, edits)
	return Outcome{Text: res, Rewrites: n}
}

// reservedRule renames an identifier the target reserves. Function calls
// (GROUPING(...)), GROUPING SETS and string literals are not touched.
type reservedRule struct {
	from, to string
	re       *regexp.Regexp
}

func newReservedRule(from, to string) *reservedRule {
	return &reservedRule{
		from: from,
		to:   to,
		re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(from) + `\b`),
	}
}

func (r *reservedRule) Name() string { return "reserved-" + strings.ToLower(r.from) }

func (r *reservedRule) Apply(text string) Outcome {
	locs := r.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return Outcome{Text: text}
	}
	mask := quotedMask(text)
	var edits []edit
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if mask[start] || (start > 0 && isIdentByte(text[start-1])) || !tokenEndOK(text, end) {
			continue
		}
		next := skipSpace(text, end)
		if next < len(text) && text[next] == '(' {
			continue
		}
		if keywordAt(text, next, "SETS") {
			continue
		}
		edits = append(edits, edit{start, end, r.to})
	}
	res, n := applyEdits(text, edits)
	return Outcome{Text: res, Rewrites: n}
}

// fieldParamRule replaces alias.field with a {{tag}} placeholder and reports
// the placeholder it introduced.
type fieldParamRule struct {
	Rule
	tag string
}

func newFieldParamRule(fp FieldParameter) *fieldParamRule {
	field := regexp.QuoteMeta(fp.Field)
	name := "field-parameter-" + fp.Tag
	placeholder := "{{" + fp.Tag + "}}"
	if len(fp.Functions) == 0 {
		return &fieldParamRule{
			Rule: Pattern(name, `(?i)\b[A-Za-z_][A-Za-z0-9_]*\.`+field+`\b`, placeholder),
			tag:  fp.Tag,
		}
	}
	fns := make([]string, len(fp.Functions))
	for i, fn := range fp.Functions {
		fns[i] = regexp.QuoteMeta(fn)
	}
	return &fieldParamRule{
		Rule: Pattern(name,
			`(?i)\b(`+strings.Join(fns, "|")+`)\s*\(\s*[A-Za-z_][A-Za-z0-9_]*\.`+field+`\b`,
			"${1}("+placeholder),
		tag: fp.Tag,
	}
}

func (r *fieldParamRule) Apply(text string) Outcome {
	out := r.Rule.Apply(text)
	if out.Rewrites > 0 {
		out.Introduced = []string{r.tag}
	}
	return out
}

// Words that may follow a derived table and are not an alias.
var clauseKeywords = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"CROSS": true, "NATURAL": true, "ON": true, "USING": true, "UNION": true,
	"EXCEPT": true, "INTERSECT": true, "MINUS": true, "QUALIFY": true,
	"WINDOW": true, "OFFSET": true, "OUTER": true,
}

// subqueryAliasRule gives unaliased derived tables after FROM or JOIN a
// synthetic alias, which the target requires.
type subqueryAliasRule struct {
	prefix string
}

func (r *subqueryAliasRule) Name() string { return "subquery-alias" }

var derivedTablePattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s*\(\s*(?:SELECT|WITH)\b`)

func (r *subqueryAliasRule) Apply(text string) Outcome {
	prefix := r.prefix
	if prefix == "" {
		prefix = "subquery_"
	}
	locs := derivedTablePattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return Outcome{Text: text}
	}
	mask := quotedMask(text)
	lower := asciiLower(text)
	var edits []edit
	next := 1
	for _, loc := range locs {
		if mask[loc[0]] {
			continue
		}
		open := strings.IndexByte(text[loc[0]:loc[1]], '(') + loc[0]
		closeIdx := matchParen(text, open)
		if closeIdx < 0 || hasAlias(text, closeIdx+1) {
			continue
		}
		alias := prefix + strconv.Itoa(next)
		for strings.Contains(lower, strings.ToLower(alias)) {
			next++
			alias = prefix + strconv.Itoa(next)
		}
		next++
		edits = append(edits, edit{closeIdx + 1, closeIdx + 1, " AS " + alias})
	}
	res, n := applyEdits(text, edits)
	return Outcome{Text: res, Rewrites: n}
}

// hasAlias reports whether the text at pos starts with an alias, explicit
// (AS x) or implicit (a bare identifier that is not a clause keyword).
func hasAlias(text string, pos int) bool {
	i := skipSpace(text, pos)
	if i >= len(text) {
		return false
	}
	if c := text[i]; c == '"' || c == '`' {
		return true
	}
	j := i
	for j < len(text) && isIdentByte(text[j]) {
		j++
	}
	if j == i {
		return false
	}
	word := strings.ToUpper(text[i:j])
	if word == "AS" {
		return true
	}
	if strings.HasPrefix(word, "__") && strings.HasSuffix(word, "__") {
		// A placeholder sentinel, e.g. an optional clause parameter.
		return false
	}
	return !clauseKeywords[word]
}
