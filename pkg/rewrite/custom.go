package rewrite

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
)

// CustomRuleSpec describes a rule defined in configuration. Replace is a
// template (${1} references groups); Expr is an expression computing the
// replacement from `match` and `groups`. Setting both is an error; an empty
// Replace with no Expr deletes matches. The rule is inserted after the
// standard rule named After, or appended.
type CustomRuleSpec struct {
	Name    string `json:"name" yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Replace string `json:"replace,omitempty" yaml:"replace,omitempty"`
	Expr    string `json:"expr,omitempty" yaml:"expr,omitempty"`
	After   string `json:"after,omitempty" yaml:"after,omitempty"`
}

// matchEnv is the environment custom expressions run in.
type matchEnv struct {
	Match  string   `expr:"match"`
	Groups []string `expr:"groups"`
}

type exprRule struct {
	name    string
	re      *regexp.Regexp
	program *vm.Program
}

// CompileCustomRule validates spec and builds its rule.
func CompileCustomRule(spec CustomRuleSpec) (Rule, error) {
	if spec.Name == "" {
		return nil, shifterrors.New(shifterrors.ErrCodeRuleCompile, "custom rule has no name").Err()
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil || spec.Pattern == "" {
		if err == nil {
			err = fmt.Errorf("empty pattern")
		}
		return nil, shifterrors.Wrapf(err, shifterrors.ErrCodeRuleCompile, "custom rule %s: bad pattern", spec.Name).
			WithField("rule", spec.Name).Err()
	}

	switch {
	case spec.Expr != "" && spec.Replace != "":
		return nil, shifterrors.Newf(shifterrors.ErrCodeRuleCompile, "custom rule %s: set replace or expr, not both", spec.Name).
			WithField("rule", spec.Name).Err()
	case spec.Expr == "":
		return &patternRule{name: spec.Name, re: re, template: spec.Replace}, nil
	}

	program, err := expr.Compile(spec.Expr,
		expr.Env(matchEnv{}),
		expr.Function("quote", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("quote requires 1 parameter")
			}
			s, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("quote requires a string parameter")
			}
			return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
		}),
		expr.AsKind(reflect.String),
	)
	if err != nil {
		return nil, shifterrors.Wrapf(err, shifterrors.ErrCodeRuleCompile, "custom rule %s: bad expression", spec.Name).
			WithField("rule", spec.Name).Err()
	}
	return &exprRule{name: spec.Name, re: re, program: program}, nil
}

// WithCustomRules compiles specs and inserts each into rules.
func WithCustomRules(rules RuleSet, specs []CustomRuleSpec) (RuleSet, error) {
	for _, spec := range specs {
		r, err := CompileCustomRule(spec)
		if err != nil {
			return nil, err
		}
		rules = rules.Insert(spec.After, r)
	}
	return rules, nil
}

func (r *exprRule) Name() string { return r.name }

// Apply evaluates the expression for every match. A failing evaluation keeps
// the match and raises a RuleError finding.
func (r *exprRule) Apply(text string) Outcome {
	locs := r.re.FindAllStringSubmatchIndex(text, -1)
	out := Outcome{Text: text}
	if len(locs) == 0 {
		return out
	}
	var edits []edit
	for _, loc := range locs {
		env := matchEnv{Match: text[loc[0]:loc[1]], Groups: make([]string, len(loc)/2)}
		for i := range env.Groups {
			if loc[2*i] >= 0 {
				env.Groups[i] = text[loc[2*i]:loc[2*i+1]]
			}
		}
		res, err := expr.Run(r.program, env)
		var repl string
		if err == nil {
			repl, err = cast.ToStringE(res)
		}
		if err != nil {
			out.Findings = append(out.Findings, Finding{
				Kind:    RuleError,
				Rule:    r.name,
				Subject: env.Match,
				Message: fmt.Sprintf("custom rule %s failed: %v", r.name, err),
			})
			continue
		}
		edits = append(edits, edit{loc[0], loc[1], repl})
	}
	out.Text, out.Rewrites = applyEdits(text, edits)
	return out
}
