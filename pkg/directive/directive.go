// Package directive reads per-query conversion directives.
//
// Directives are SQL comments with a special prefix, placed above the query:
//
//	-- @sqlshift:skip-rules=median,nvl
//	-- @sqlshift:hints=Total_Amount,Region
//	-- @sqlshift:no-mapping
//	SELECT ...
//
// Syntax:
//   - `-- @sqlshift:<key>` is a flag (presence means true)
//   - `-- @sqlshift:<key>=<value>` is a setting; list values are comma separated
//   - Only the block before the first statement line counts; other comments
//     and blank lines may be interleaved
//
// Directive lines are removed before conversion and never reach the target.
package directive

import (
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

// Prefix identifies directive comments.
const Prefix = "-- @sqlshift:"

// Known directive keys.
const (
	KeySkipRules   = "skip-rules"
	KeyHints       = "hints"
	KeyNoMapping   = "no-mapping"
	KeyPassthrough = "passthrough"
)

// Keys documents the directives Convert understands.
var Keys = map[string]string{
	KeySkipRules:   "list: rule names to leave out for this query",
	KeyHints:       "list: extra column names to restore in aliases",
	KeyNoMapping:   "bool: do not rename tables or columns",
	KeyPassthrough: "bool: skip conversion and keep the query as written",
}

// Set holds the directives of one query.
type Set map[string]string

// Has reports whether key is present.
func (s Set) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Bool reports whether a flag is on. A bare flag is true; explicit values
// go through cast, so "yes", "1" and "true" all count.
func (s Set) Bool(key string) bool {
	v, ok := s[key]
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return true
	}
	b, err := cast.ToBoolE(v)
	return err == nil && b
}

// List splits a comma-separated value, dropping blanks.
func (s Set) List(key string) []string {
	var out []string
	for _, item := range strings.Split(s[key], ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Unknown returns the keys Convert does not understand, sorted.
func (s Set) Unknown() []string {
	var out []string
	for k := range s {
		if _, ok := Keys[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Parse returns the directives heading sql and the query with their lines
// removed. Without directives, body is sql itself.
func Parse(sql string) (Set, string) {
	lines := strings.Split(sql, "\n")
	set := make(Set)
	var kept []string

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, Prefix) {
			if key, value, ok := parseLine(trimmed); ok {
				set[key] = value
			}
			continue
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "--") {
			kept = append(kept, lines[i:]...)
			break
		}
		kept = append(kept, line)
	}

	if len(set) == 0 && len(kept) == len(lines) {
		return set, sql
	}
	return set, strings.Join(kept, "\n")
}

func parseLine(line string) (key, value string, ok bool) {
	content := strings.TrimSpace(strings.TrimPrefix(line, Prefix))
	if content == "" {
		return "", "", false
	}
	if k, v, found := strings.Cut(content, "="); found && strings.TrimSpace(k) != "" {
		return strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v), true
	}
	return strings.ToLower(content), "", true
}

// Convert runs p over sql after applying its directives. Problems with the
// directives themselves become warnings on the report.
func Convert(p *rewrite.Pipeline, sql string, m *rewrite.IdentifierMapping, hints rewrite.AliasHints) (string, *rewrite.ConversionReport) {
	set, body := Parse(sql)
	if len(set) == 0 {
		return p.Convert(sql, m, hints)
	}

	if set.Bool(KeyPassthrough) {
		report := rewrite.NewReport()
		report.Warn("conversion skipped by passthrough directive")
		return body, report
	}

	skip := set.List(KeySkipRules)
	if set.Bool(KeyNoMapping) {
		m = nil
	}
	if extra := set.List(KeyHints); len(extra) > 0 {
		hints = rewrite.NewAliasHints(append(hints.Names(), extra...)...)
	}

	out, report := p.Without(skip...).Convert(body, m, hints)

	known := make(map[string]bool)
	for _, n := range p.Rules().Names() {
		known[n] = true
	}
	for _, n := range skip {
		if !known[n] {
			report.Warn("skip-rules names unknown rule " + n)
		}
	}
	for _, k := range set.Unknown() {
		report.Warn("unknown directive " + k)
	}
	return out, report
}
