package rewrite

import "strings"

// Lexical helpers shared by the mapper, the structural rules and the alias
// normalizer. They understand just enough SQL to stay out of quoted text and to
// match parentheses; nothing here builds a tree.

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c >= 0x80
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

// asciiLower lower-cases ASCII letters only, so byte offsets in the result line
// up with the input.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// tokenStartOK reports whether a token starting at i is not glued to a
// preceding identifier or qualifier.
func tokenStartOK(text string, i int) bool {
	if i == 0 {
		return true
	}
	c := text[i-1]
	return !isIdentByte(c) && c != '.'
}

// tokenEndOK reports whether a token ending at i (exclusive) is not followed by
// more identifier characters.
func tokenEndOK(text string, i int) bool {
	return i >= len(text) || !isIdentByte(text[i])
}

func skipSpace(text string, i int) int {
	for i < len(text) && isSpace(text[i]) {
		i++
	}
	return i
}

// quotedMask marks every byte that sits inside a single-quoted string literal,
// quotes included. Doubled quotes ('') are treated as an escaped quote.
func quotedMask(text string) []bool {
	mask := make([]bool, len(text))
	in := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\'' {
			if in && i+1 < len(text) && text[i+1] == '\'' {
				mask[i], mask[i+1] = true, true
				i++
				continue
			}
			mask[i] = true
			in = !in
			continue
		}
		mask[i] = in
	}
	return mask
}

// matchParen returns the index of the parenthesis closing the one at open, or
// -1 when the text is unbalanced. Quoted strings and identifiers are skipped.
func matchParen(text string, open int) int {
	depth := 0
	for i := open; i < len(text); i++ {
		switch c := text[i]; c {
		case '\'', '"', '`':
			j := i + 1
			for j < len(text) {
				if text[j] == c {
					if j+1 < len(text) && text[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(text) {
				return -1
			}
			i = j
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitArgs splits an argument list on top-level commas and trims each part.
// An empty or blank list yields no arguments.
func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var args []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '"', '`':
			j := i + 1
			for j < len(s) && s[j] != c {
				j++
			}
			i = j
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(args, strings.TrimSpace(s[start:]))
}

// callSite locates one NAME( ... ) occurrence. end is one past the closing
// parenthesis.
type callSite struct {
	start int
	open  int
	end   int
}

func (c callSite) args(text string) string {
	return text[c.open+1 : c.end-1]
}

// findCall finds the next call of fn (case-insensitive, already lower-cased)
// at or after from. lower must be asciiLower(text). Calls qualified by a
// schema (x.fn) and calls with unbalanced parentheses are skipped.
func findCall(text, lower, fn string, from int) (callSite, bool) {
	for from <= len(lower) {
		idx := strings.Index(lower[from:], fn)
		if idx < 0 {
			return callSite{}, false
		}
		start := from + idx
		from = start + len(fn)
		if !tokenStartOK(text, start) || !tokenEndOK(text, start+len(fn)) {
			continue
		}
		open := skipSpace(text, start+len(fn))
		if open >= len(text) || text[open] != '(' {
			continue
		}
		closeIdx := matchParen(text, open)
		if closeIdx < 0 {
			continue
		}
		return callSite{start: start, open: open, end: closeIdx + 1}, true
	}
	return callSite{}, false
}

// callAt reports whether a call of one of fns begins exactly at pos.
func callAt(text, lower string, pos int, fns []string) (callSite, bool) {
	for _, fn := range fns {
		if !strings.HasPrefix(lower[pos:], fn) {
			continue
		}
		if site, ok := findCall(text, lower, fn, pos); ok && site.start == pos {
			return site, true
		}
	}
	return callSite{}, false
}

// hasPrefixFold reports whether s starts with prefix, ignoring ASCII case.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// keywordAt reports whether the keyword kw (upper case) appears as a whole
// word at pos.
func keywordAt(text string, pos int, kw string) bool {
	if pos+len(kw) > len(text) || !strings.EqualFold(text[pos:pos+len(kw)], kw) {
		return false
	}
	return tokenStartOK(text, pos) && tokenEndOK(text, pos+len(kw))
}

// withinGroup parses `WITHIN GROUP (ORDER BY expr)` starting at pos (leading
// whitespace allowed). It returns the ORDER BY expression, whether it was
// descending, and the index just past the closing parenthesis.
func withinGroup(text string, pos int) (orderBy string, desc bool, end int, ok bool) {
	i := skipSpace(text, pos)
	if !keywordAt(text, i, "WITHIN") {
		return "", false, 0, false
	}
	i = skipSpace(text, i+len("WITHIN"))
	if !keywordAt(text, i, "GROUP") {
		return "", false, 0, false
	}
	i = skipSpace(text, i+len("GROUP"))
	if i >= len(text) || text[i] != '(' {
		return "", false, 0, false
	}
	closeIdx := matchParen(text, i)
	if closeIdx < 0 {
		return "", false, 0, false
	}
	inner := strings.TrimSpace(text[i+1 : closeIdx])
	if !hasPrefixFold(inner, "ORDER") {
		return "", false, 0, false
	}
	inner = strings.TrimSpace(inner[len("ORDER"):])
	if !hasPrefixFold(inner, "BY") {
		return "", false, 0, false
	}
	inner = strings.TrimSpace(inner[len("BY"):])

	upper := strings.ToUpper(inner)
	switch {
	case strings.HasSuffix(upper, " DESC"):
		inner, desc = strings.TrimSpace(inner[:len(inner)-len(" DESC")]), true
	case strings.HasSuffix(upper, " ASC"):
		inner = strings.TrimSpace(inner[:len(inner)-len(" ASC")])
	}
	if inner == "" {
		return "", false, 0, false
	}
	return inner, desc, closeIdx + 1, true
}
