package rewrite

import (
	"regexp"
	"strings"
)

// Outcome is what one rule application produced.
type Outcome struct {
	Text       string
	Rewrites   int
	Findings   []Finding
	Introduced []string
}

// Rule is one text-to-text rewrite. Rules see the whole current text and must
// not perform I/O.
type Rule interface {
	Name() string
	Apply(text string) Outcome
}

// RuleSet is an ordered list of rules. Order is significant: later rules see
// the output of earlier ones.
type RuleSet []Rule

// Names returns the rule names in order.
func (rs RuleSet) Names() []string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.Name()
	}
	return names
}

// Insert returns a new RuleSet with rules placed right after the rule named
// after. An empty or unknown name appends.
func (rs RuleSet) Insert(after string, rules ...Rule) RuleSet {
	at := len(rs)
	if after != "" {
		for i, r := range rs {
			if r.Name() == after {
				at = i + 1
				break
			}
		}
	}
	out := make(RuleSet, 0, len(rs)+len(rules))
	out = append(out, rs[:at]...)
	out = append(out, rules...)
	return append(out, rs[at:]...)
}

// Without returns a new RuleSet lacking the named rules.
func (rs RuleSet) Without(names ...string) RuleSet {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := make(RuleSet, 0, len(rs))
	for _, r := range rs {
		if !drop[r.Name()] {
			out = append(out, r)
		}
	}
	return out
}

// TranslateResult aggregates the outcomes of a Translate call.
type TranslateResult struct {
	Rewrites   int
	PerRule    map[string]int
	Findings   []Finding
	Introduced []string
}

// Translate applies rules in order and returns the final text.
func Translate(text string, rules RuleSet) (string, TranslateResult) {
	res := TranslateResult{PerRule: make(map[string]int)}
	for _, r := range rules {
		out := r.Apply(text)
		text = out.Text
		if out.Rewrites > 0 {
			res.Rewrites += out.Rewrites
			res.PerRule[r.Name()] += out.Rewrites
		}
		res.Findings = append(res.Findings, out.Findings...)
		res.Introduced = append(res.Introduced, out.Introduced...)
	}
	return text, res
}

// literalRule replaces a fixed substring.
type literalRule struct {
	name     string
	old, new string
}

// Literal returns a rule replacing every occurrence of old with new. Matching
// is case-sensitive.
func Literal(name, old, new string) Rule {
	return &literalRule{name: name, old: old, new: new}
}

func (r *literalRule) Name() string { return r.name }

func (r *literalRule) Apply(text string) Outcome {
	n := strings.Count(text, r.old)
	if n == 0 || r.old == "" {
		return Outcome{Text: text}
	}
	return Outcome{Text: strings.ReplaceAll(text, r.old, r.new), Rewrites: n}
}

// patternRule rewrites regular expression matches. Exactly one of template
// and gen is set.
type patternRule struct {
	name     string
	re       *regexp.Regexp
	template string
	gen      func(groups []string) (string, bool)
}

// Pattern returns a rule replacing matches of pattern with template, which
// may reference groups as ${1}. The pattern must compile.
func Pattern(name, pattern, template string) Rule {
	return &patternRule{name: name, re: regexp.MustCompile(pattern), template: template}
}

// PatternFunc returns a rule replacing matches of pattern with the output of
// gen. groups[0] is the whole match. Returning false keeps the match as is.
func PatternFunc(name, pattern string, gen func(groups []string) (string, bool)) Rule {
	return &patternRule{name: name, re: regexp.MustCompile(pattern), gen: gen}
}

func (r *patternRule) Name() string { return r.name }

func (r *patternRule) Apply(text string) Outcome {
	locs := r.re.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return Outcome{Text: text}
	}
	var b strings.Builder
	pos, n := 0, 0
	for _, loc := range locs {
		var repl []byte
		if r.gen != nil {
			groups := make([]string, len(loc)/2)
			for i := range groups {
				if loc[2*i] >= 0 {
					groups[i] = text[loc[2*i]:loc[2*i+1]]
				}
			}
			s, ok := r.gen(groups)
			if !ok {
				continue
			}
			repl = []byte(s)
		} else {
			repl = r.re.ExpandString(nil, r.template, text, loc)
		}
		b.WriteString(text[pos:loc[0]])
		b.Write(repl)
		pos = loc[1]
		n++
	}
	if n == 0 {
		return Outcome{Text: text}
	}
	b.WriteString(text[pos:])
	return Outcome{Text: b.String(), Rewrites: n}
}

// callRule rewrites calls of one function. Arguments are split on top-level
// commas and nested calls of the same function are rewritten first.
type callRule struct {
	name string
	fn   string
	gen  func(args []string) (string, bool)
}

// Call returns a rule for calls of function (matched case-insensitively as a
// whole word, not schema-qualified). gen receives the trimmed arguments;
// returning false leaves the call as written.
func Call(name, function string, gen func(args []string) (string, bool)) Rule {
	return &callRule{name: name, fn: strings.ToLower(function), gen: gen}
}

func (r *callRule) Name() string { return r.name }

func (r *callRule) Apply(text string) Outcome {
	out := Outcome{}
	out.Text = r.rewrite(text, &out.Rewrites)
	return out
}

func (r *callRule) rewrite(text string, n *int) string {
	lower := asciiLower(text)
	if !strings.Contains(lower, r.fn) {
		return text
	}
	var b strings.Builder
	pos := 0
	for {
		site, ok := findCall(text, lower, r.fn, pos)
		if !ok {
			break
		}
		inner := r.rewrite(site.args(text), n)
		b.WriteString(text[pos:site.start])
		if repl, ok := r.gen(splitArgs(inner)); ok {
			b.WriteString(repl)
			*n++
		} else {
			b.WriteString(text[site.start : site.open+1])
			b.WriteString(inner)
			b.WriteByte(')')
		}
		pos = site.end
	}
	b.WriteString(text[pos:])
	return b.String()
}

// flagRule reports matches without rewriting anything.
type flagRule struct {
	name    string
	re      *regexp.Regexp
	kind    FindingKind
	message string
}

// Flag returns a rule that raises one finding when pattern matches.
func Flag(name, pattern string, kind FindingKind, message string) Rule {
	return &flagRule{name: name, re: regexp.MustCompile(pattern), kind: kind, message: message}
}

func (r *flagRule) Name() string { return r.name }

func (r *flagRule) Apply(text string) Outcome {
	out := Outcome{Text: text}
	if m := r.re.FindString(text); m != "" {
		out.Findings = []Finding{{Kind: r.kind, Rule: r.name, Subject: m, Message: r.message}}
	}
	return out
}
