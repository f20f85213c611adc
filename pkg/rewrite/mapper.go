package rewrite

import (
	"regexp"
	"sort"
	"strings"
)

// MapResult is the outcome of MapTableReferences.
type MapResult struct {
	Text     string
	Rewrites int
	// Unmapped lists schema.table references in a known source schema that
	// have no mapping entry, in order of first appearance.
	Unmapped []string
}

type tablePattern struct {
	re     *regexp.Regexp
	target string
	depth  int
	length int
}

type barePattern struct {
	re     *regexp.Regexp
	source string
	table  string
	target *regexp.Regexp
}

type compiledMapping struct {
	qualified []tablePattern
	bare      []barePattern
}

var sentinelToken = regexp.MustCompile(`^` + sentinelPattern + `$`)

var qualifiedRefPattern = regexp.MustCompile(`"?([A-Za-z_][A-Za-z0-9_$]*)"?\s*\.\s*"?([A-Za-z_][A-Za-z0-9_$]*)"?`)

func identAlternatives(name string) string {
	q := regexp.QuoteMeta(name)
	return `(?:"` + q + `"|` + q + `)`
}

func (m *IdentifierMapping) compile() *compiledMapping {
	m.once.Do(func() {
		c := &compiledMapping{}
		for _, tm := range m.tables {
			target := tm.Target.String()
			src := identAlternatives(tm.Source.Schema) + `\.` + identAlternatives(tm.Source.Table)
			if tm.Source.Database != "" {
				c.qualified = append(c.qualified, tablePattern{
					re:     regexp.MustCompile(`(?i)` + identAlternatives(tm.Source.Database) + `\.` + src),
					target: target,
					depth:  3,
					length: len(tm.Source.Qualified()),
				})
			}
			c.qualified = append(c.qualified, tablePattern{
				re:     regexp.MustCompile(`(?i)` + src),
				target: target,
				depth:  2,
				length: len(tm.Source.Schema) + len(tm.Source.Table) + 1,
			})
			c.bare = append(c.bare, barePattern{
				re:     regexp.MustCompile(`(?i)` + regexp.QuoteMeta(tm.Source.Table)),
				source: tm.Source.key(),
				table:  tm.Target.Table,
				target: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(target)),
			})
		}
		sort.SliceStable(c.qualified, func(i, j int) bool {
			if c.qualified[i].depth != c.qualified[j].depth {
				return c.qualified[i].depth > c.qualified[j].depth
			}
			return c.qualified[i].length > c.qualified[j].length
		})
		sort.SliceStable(c.bare, func(i, j int) bool {
			return len(c.bare[i].source) > len(c.bare[j].source)
		})
		m.compiled = c
	})
	return m.compiled
}

// MapTableReferences rewrites source table references to their targets.
//
// The first pass replaces qualified references (database.schema.table, then
// schema.table, quoted or not) with target_db.target_table. The second pass
// replaces remaining bare source table names, in any case, with the target
// table name, but only for tables whose target now appears in the text.
// Only whole tokens are replaced: mart.transactions never matches inside
// mart.transactions_log.
func MapTableReferences(text string, m *IdentifierMapping) MapResult {
	res := MapResult{Text: text}
	if m == nil || len(m.tables) == 0 || text == "" {
		return res
	}
	c := m.compile()

	for _, p := range c.qualified {
		var n int
		res.Text, n = replaceTokens(res.Text, p.re, func(string) (string, bool) { return p.target, true }, true)
		res.Rewrites += n
	}

	for _, p := range c.bare {
		if !containsToken(res.Text, p.target) {
			continue
		}
		var n int
		res.Text, n = replaceTokens(res.Text, p.re, func(found string) (string, bool) {
			return p.table, found != p.table
		}, true)
		res.Rewrites += n
	}

	res.Unmapped = findUnmapped(res.Text, m)
	return res
}

// replaceTokens replaces whole-token matches of re with what repl returns;
// matches for which repl reports false are kept. When strict is set a match
// may not follow a '.' either, so qualified names are never rewritten from
// the middle.
func replaceTokens(text string, re *regexp.Regexp, repl func(string) (string, bool), strict bool) (string, int) {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text, 0
	}
	mask := quotedMask(text)
	var b strings.Builder
	pos, n := 0, 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if mask[start] {
			continue
		}
		if strict && !tokenStartOK(text, start) {
			continue
		}
		if !strict && start > 0 && isIdentByte(text[start-1]) {
			continue
		}
		if !tokenEndOK(text, end) {
			continue
		}
		r, ok := repl(text[start:end])
		if !ok {
			continue
		}
		b.WriteString(text[pos:start])
		b.WriteString(r)
		pos = end
		n++
	}
	if n == 0 {
		return text, 0
	}
	b.WriteString(text[pos:])
	return b.String(), n
}

func containsToken(text string, re *regexp.Regexp) bool {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if tokenStartOK(text, loc[0]) && tokenEndOK(text, loc[1]) {
			return true
		}
	}
	return false
}

func findUnmapped(text string, m *IdentifierMapping) []string {
	var out []string
	seen := make(map[string]bool)
	mask := quotedMask(text)
	for _, loc := range qualifiedRefPattern.FindAllStringSubmatchIndex(text, -1) {
		start := loc[0]
		if mask[start] || !tokenStartOK(text, start) || !tokenEndOK(text, loc[1]) {
			continue
		}
		schema, table := text[loc[2]:loc[3]], text[loc[4]:loc[5]]
		if sentinelToken.MatchString(table) || !m.knownSchema(schema) {
			continue
		}
		ref := schema + "." + table
		if _, ok := m.LookupTable(schema, table); ok || m.isTarget(ref) {
			continue
		}
		if key := strings.ToLower(ref); !seen[key] {
			seen[key] = true
			out = append(out, ref)
		}
	}
	return out
}
