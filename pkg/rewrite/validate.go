package rewrite

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// SyntaxChecker parses SQL in the target grammar. Rejections become
// SyntaxRisk warnings; they never fail a conversion.
type SyntaxChecker interface {
	Check(sql string) error
}

// Validator compares a converted query with its original.
type Validator struct {
	residual []residualToken
	checker  SyntaxChecker
	risks    []riskPattern
}

type residualToken struct {
	name string
	re   *regexp.Regexp
}

type riskPattern struct {
	re      *regexp.Regexp
	message string
}

// NewValidator returns a validator warning about the given residual tokens.
// checker may be nil.
func NewValidator(residual []string, checker SyntaxChecker) *Validator {
	v := &Validator{
		checker: checker,
		risks: []riskPattern{
			{regexp.MustCompile(fullOuterJoinPattern), msgFullOuterJoin},
			{regexp.MustCompile(distinctWindowPattern), msgDistinctWindow},
		},
	}
	for _, tok := range residual {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v.residual = append(v.residual, residualToken{
			name: strings.ToUpper(tok),
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(tok) + `\b`),
		})
	}
	return v
}

// Validate builds the report for one conversion. introduced names
// placeholders that rules added on purpose; they are expected in converted
// even though original lacks them.
//
// Success is false only when the set of placeholder names differs. A name
// appearing a different number of times is a warning.
func (v *Validator) Validate(original, converted string, introduced ...string) *ConversionReport {
	r := NewReport()

	want := nameSet(ExtractPlaceholders(original))
	for _, n := range introduced {
		if _, ok := want[n]; !ok {
			want[n] = 1
		}
	}
	got := nameSet(ExtractPlaceholders(converted))

	var missing, unexpected []string
	for n := range want {
		if _, ok := got[n]; !ok {
			missing = append(missing, n)
		}
	}
	for n := range got {
		if _, ok := want[n]; !ok {
			unexpected = append(unexpected, n)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	if len(missing) > 0 || len(unexpected) > 0 {
		r.VariablesPreserved = false
		r.Warn("Some template variables may have been modified")
		msg := "placeholder set changed"
		if len(missing) > 0 {
			msg += "; missing: " + strings.Join(missing, ", ")
		}
		if len(unexpected) > 0 {
			msg += "; unexpected: " + strings.Join(unexpected, ", ")
		}
		r.Add(Finding{Kind: PlaceholderLoss, Subject: strings.Join(append(missing, unexpected...), ","), Message: msg})
	} else {
		for _, n := range sortedKeys(want) {
			if want[n] != got[n] && !contains(introduced, n) {
				r.Warn(fmt.Sprintf("placeholder {{%s}} appears %d times, originally %d", n, got[n], want[n]))
			}
		}
	}

	if _, p := Protect(original); p.Malformed() > 0 {
		r.Add(Finding{
			Kind:    MalformedPlaceholder,
			Message: fmt.Sprintf("%d unmatched placeholder delimiters left as written", p.Malformed()),
		})
	}

	scan := placeholderPattern.ReplaceAllString(converted, " ")
	for _, tok := range v.residual {
		if tok.re.MatchString(scan) {
			r.Add(Finding{
				Kind:    ResidualIdiom,
				Subject: tok.name,
				Message: fmt.Sprintf("%s is not supported by the target and needs manual review", tok.name),
			})
		}
	}

	for _, risk := range v.risks {
		if m := risk.re.FindString(scan); m != "" {
			r.Add(Finding{Kind: UnsupportedIdiom, Subject: m, Message: risk.message})
		}
	}

	if v.checker != nil && strings.TrimSpace(converted) != "" {
		if err := v.checker.Check(converted); err != nil {
			r.Add(Finding{Kind: SyntaxRisk, Message: "target parser rejected the query: " + err.Error()})
		}
	}
	return r
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
