package rewrite

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// sentinelPattern matches any sentinel Protect can emit. Rules that accept a
// placeholder where a literal would normally go (LIMIT operands) use it.
const sentinelPattern = `__[A-Z]*PH[0-9]+__`

const defaultSalt = "SQLSHIFT"

// Placeholders records the sentinel substitutions made by Protect so Restore
// can undo them. A Placeholders value belongs to a single conversion.
type Placeholders struct {
	salt       string
	next       int
	original   map[string]string // sentinel -> placeholder text
	sentinel   map[string]string // placeholder text -> sentinel
	order      []string
	introduced []string
	malformed  int
}

// Protect replaces every {{name}} in text with an opaque sentinel that no rule
// pattern can match. Each distinct placeholder text maps to one sentinel.
func Protect(text string) (string, *Placeholders) {
	p := &Placeholders{
		salt:     chooseSalt(text),
		original: make(map[string]string),
		sentinel: make(map[string]string),
	}
	out := p.substitute(text, false)

	// Delimiters left over once valid tokens are gone are malformed.
	p.malformed = strings.Count(out, "{{") + strings.Count(out, "}}")
	return out, p
}

// Protect substitutes placeholders that appeared after the initial Protect,
// typically introduced by a rule. Names first seen here are recorded as
// introduced.
func (p *Placeholders) Protect(text string) string {
	return p.substitute(text, true)
}

func (p *Placeholders) substitute(text string, introduced bool) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if s, ok := p.sentinel[tok]; ok {
			return s
		}
		s := fmt.Sprintf("__%sPH%d__", p.salt, p.next)
		p.next++
		p.sentinel[tok] = s
		p.original[s] = tok
		p.order = append(p.order, s)
		if introduced {
			p.introduced = append(p.introduced, placeholderName(tok))
		}
		return s
	})
}

// Restore replaces sentinels with the placeholder text they stand for.
func Restore(text string, p *Placeholders) string {
	if p == nil || len(p.order) == 0 {
		return text
	}
	pairs := make([]string, 0, 2*len(p.order))
	for _, s := range p.order {
		pairs = append(pairs, s, p.original[s])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Len returns the number of distinct placeholder texts protected.
func (p *Placeholders) Len() int { return len(p.order) }

// Malformed returns the number of stray {{ or }} delimiters in the input.
func (p *Placeholders) Malformed() int { return p.malformed }

// Introduced returns placeholder names first seen by a later Protect call.
func (p *Placeholders) Introduced() []string {
	return append([]string(nil), p.introduced...)
}

// ExtractPlaceholders returns placeholder names in order of appearance,
// duplicates included. Names are trimmed of surrounding whitespace.
func ExtractPlaceholders(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSpace(m[1]))
	}
	return names
}

func placeholderName(tok string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(tok, "{{"), "}}"))
}

// chooseSalt picks a sentinel prefix that does not already occur in text.
func chooseSalt(text string) string {
	upper := strings.ToUpper(text)
	salt := defaultSalt
	for strings.Contains(upper, "__"+salt+"PH") {
		salt += "X"
	}
	return salt
}

func nameSet(names []string) map[string]int {
	set := make(map[string]int, len(names))
	for _, n := range names {
		set[n]++
	}
	return set
}
