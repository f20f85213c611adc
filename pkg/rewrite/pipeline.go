// Package rewrite converts Exasol SQL into StarRocks SQL while preserving
// Metabase template placeholders ({{name}}).
//
// The engine is pattern driven and works on text:
//   - Placeholders are swapped for opaque sentinels before anything else runs
//   - Source table references are mapped to their targets
//   - An ordered RuleSet translates functions and syntax
//   - Column aliases are recased to match hints from the card's settings
//   - The result is validated against the original
//
// Nothing here performs I/O or logs. Diagnostics go into ConversionReport.
package rewrite

import (
	"fmt"
	"strings"
)

// Pipeline is a configured converter. It holds no per-call state and is safe
// for concurrent use.
type Pipeline struct {
	rules        RuleSet
	validator    *Validator
	primaryAlias string
}

// NewPipeline returns a pipeline applying rules and checking results with
// validator. A nil validator uses the default residual tokens.
func NewPipeline(rules RuleSet, validator *Validator, primaryAlias string) *Pipeline {
	if validator == nil {
		validator = NewValidator(DefaultResidualTokens(), nil)
	}
	return &Pipeline{rules: rules, validator: validator, primaryAlias: primaryAlias}
}

// NewStandardPipeline builds a pipeline from StandardRules(opts). checker may
// be nil.
func NewStandardPipeline(opts Options, checker SyntaxChecker) *Pipeline {
	return NewPipeline(StandardRules(opts), NewValidator(opts.ResidualTokens, checker), opts.PrimaryAlias)
}

// Rules returns the pipeline's rule set.
func (p *Pipeline) Rules() RuleSet { return p.rules }

// Without returns a pipeline sharing p's validator but lacking the named
// rules. p is unchanged.
func (p *Pipeline) Without(names ...string) *Pipeline {
	if len(names) == 0 {
		return p
	}
	return &Pipeline{rules: p.rules.Without(names...), validator: p.validator, primaryAlias: p.primaryAlias}
}

// Convert rewrites one query. The order is fixed: protect placeholders, map
// identifiers, translate, protect placeholders the rules introduced,
// normalize aliases, restore placeholders, validate.
func (p *Pipeline) Convert(sql string, mapping *IdentifierMapping, hints AliasHints) (string, *ConversionReport) {
	if strings.TrimSpace(sql) == "" {
		return sql, NewReport()
	}

	text, ph := Protect(sql)

	mapped := MapTableReferences(text, mapping)
	text = mapped.Text

	text, tr := Translate(text, p.rules)

	text = ph.Protect(text)
	introduced := mergeNames(tr.Introduced, ph.Introduced())

	text, aliases := NormalizeAliases(text, hints, p.primaryAlias)

	converted := Restore(text, ph)

	report := p.validator.Validate(sql, converted, introduced...)
	report.TablesConverted = mapped.Rewrites
	report.FunctionsConverted = tr.Rewrites
	report.AliasesNormalized = aliases
	report.IntroducedPlaceholders = introduced

	for _, ref := range mapped.Unmapped {
		report.Add(Finding{
			Kind:    UnmappedIdentifier,
			Subject: ref,
			Message: fmt.Sprintf("no mapping for table %s", ref),
		})
	}
	for _, f := range tr.Findings {
		report.Add(f)
	}
	return converted, report
}

// Convert rewrites one query with rules and the default validator.
func Convert(sql string, mapping *IdentifierMapping, hints AliasHints, rules RuleSet) (string, *ConversionReport) {
	return NewPipeline(rules, nil, DefaultOptions().PrimaryAlias).Convert(sql, mapping, hints)
}

func mergeNames(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}
