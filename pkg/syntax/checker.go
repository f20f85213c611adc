// Package syntax checks converted queries against the MySQL grammar that
// StarRocks accepts. Metabase placeholders and optional clauses are not SQL,
// so they are neutralized before parsing.
package syntax

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

var placeholderPattern = regexp.MustCompile(`\{\{[^}]+\}\}`)

// MySQLChecker parses queries with a MySQL grammar. The zero value is ready
// to use and safe for concurrent use.
type MySQLChecker struct{}

// NewMySQLChecker returns a checker.
func NewMySQLChecker() *MySQLChecker {
	return &MySQLChecker{}
}

// Check returns an error if sql does not parse as a SELECT or UNION.
func (c *MySQLChecker) Check(sql string) error {
	stmt, err := sqlparser.Parse(Prepare(sql))
	if err != nil {
		return err
	}
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
		return nil
	default:
		return fmt.Errorf("not a query: %T", stmt)
	}
}

// Prepare replaces each {{name}} with a bind variable (:p0, :p1, ...) and
// drops the [[ ]] markers around optional clauses, keeping their contents.
func Prepare(sql string) string {
	n := 0
	out := placeholderPattern.ReplaceAllStringFunc(sql, func(string) string {
		s := ":p" + strconv.Itoa(n)
		n++
		return s
	})
	out = strings.NewReplacer("[[", " ", "]]", " ").Replace(out)
	return out
}
