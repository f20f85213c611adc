package rewrite

import (
	"regexp"
	"sort"
	"strings"
)

// AliasHints is a set of canonical column names. Hints usually come from the
// visualization settings of the card that owns the query, so the converted
// query produces columns with the names those settings expect.
type AliasHints map[string]struct{}

// NewAliasHints builds a hint set. Blank names are dropped.
func NewAliasHints(names ...string) AliasHints {
	h := make(AliasHints, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			h[n] = struct{}{}
		}
	}
	return h
}

// Names returns the hints sorted.
func (h AliasHints) Names() []string {
	names := make([]string, 0, len(h))
	for n := range h {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var plainIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Hints that are also SQL words would recase types in CAST(x AS DATE) and
// similar; they are never normalized.
var sqlWords = map[string]bool{
	"DATE": true, "TIME": true, "TIMESTAMP": true, "VARCHAR": true, "CHAR": true,
	"INT": true, "INTEGER": true, "BIGINT": true, "FLOAT": true, "DOUBLE": true,
	"DECIMAL": true, "BOOLEAN": true, "SELECT": true, "FROM": true, "WHERE": true,
	"GROUP": true, "ORDER": true, "BY": true, "AS": true, "ON": true, "AND": true,
	"OR": true, "NOT": true, "NULL": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true, "LIMIT": true, "JOIN": true, "IN": true, "IS": true,
	"DISTINCT": true, "HAVING": true, "UNION": true, "ALL": true, "OVER": true,
	"PARTITION": true, "INTERVAL": true, "DAY": true, "MONTH": true, "YEAR": true,
	"WEEK": true, "HOUR": true, "MINUTE": true, "SECOND": true,
}

// NormalizeAliases rewrites column names so their casing matches the hints.
// For each hint, case-insensitively and in this order: aliases introduced
// with AS, references qualified by primaryAlias, and bare references that are
// neither qualified nor function calls. String literals are left alone.
// It returns the new text and the number of tokens changed.
func NormalizeAliases(text string, hints AliasHints, primaryAlias string) (string, int) {
	total := 0
	for _, name := range hints.Names() {
		if !plainIdentifier.MatchString(name) || sqlWords[strings.ToUpper(name)] {
			continue
		}
		q := regexp.QuoteMeta(name)
		var n int

		text, n = recase(text, regexp.MustCompile(`(?i)\bAS\s+(`+q+`)\b`), name, false)
		total += n

		if primaryAlias != "" {
			re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(primaryAlias) + `\.(` + q + `)\b`)
			text, n = recase(text, re, name, false)
			total += n
		}

		text, n = recase(text, regexp.MustCompile(`(?i)\b(`+q+`)\b`), name, true)
		total += n
	}
	return text, total
}

// recase replaces group 1 of each match with name when the casing differs.
// With bare set, matches qualified by a '.' or followed by '(' are skipped.
func recase(text string, re *regexp.Regexp, name string, bare bool) (string, int) {
	locs := re.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text, 0
	}
	mask := quotedMask(text)
	var edits []edit
	for _, loc := range locs {
		start, end := loc[2], loc[3]
		if mask[start] || text[start:end] == name {
			continue
		}
		if bare {
			if start > 0 && (text[start-1] == '.' || text[start-1] == '"') {
				continue
			}
			if next := skipSpace(text, end); next < len(text) && text[next] == '(' {
				continue
			}
		}
		edits = append(edits, edit{start, end, name})
	}
	return applyEdits(text, edits)
}
