// Package sqlguard performs static safety checks on generated SQL before it
// is allowed anywhere near the warehouse. The same checks back the pipeline's
// query validator and the execution boundary's defense-in-depth re-check.
package sqlguard

import (
	"fmt"
	"strings"
)

// Kind identifies a class of safety violation.
type Kind string

const (
	KindSyntax        Kind = "syntax"
	KindUnknownTable  Kind = "unknown_table"
	KindUnknownColumn Kind = "unknown_column"
	KindNonRead       Kind = "non_read_statement"
	KindUnbounded     Kind = "unbounded_result"
)

// Problem describes a single failed check.
type Problem struct {
	Kind   Kind
	Detail string
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Kind, p.Detail)
}

// writeKeywords are statement keywords that disqualify a query from the
// read-only path. Matched as whole words outside string literals.
var writeKeywords = []string{
	"insert", "update", "delete", "alter", "drop",
	"truncate", "create", "grant", "revoke", "merge", "copy",
}

// aggregateFunctions mark a query as shape-bounded even without LIMIT.
var aggregateFunctions = []string{"sum", "avg", "count", "min", "max"}

// Allowlist is the set of identifiers a query may reference, taken from the
// semantic contract.
type Allowlist struct {
	Tables  map[string]bool
	Columns map[string]bool // bare and table-qualified names
}

// Declared carries the identifiers the generator claims the query touches.
type Declared struct {
	Tables  []string
	Columns []string
}

// Check runs all checks in order and returns the first problem found, or nil.
// Later checks are skipped once one fails: they may be meaningless on
// malformed input.
func Check(sql string, decl Declared, allow Allowlist) *Problem {
	if p := CheckSyntax(sql); p != nil {
		return p
	}
	if p := CheckWhitelist(sql, decl, allow); p != nil {
		return p
	}
	if p := CheckReadOnly(sql); p != nil {
		return p
	}
	return CheckBounded(sql)
}

// CheckSyntax performs a lightweight structural scan: non-empty, a single
// statement, balanced quotes and parentheses, and a read-statement prefix.
func CheckSyntax(sql string) *Problem {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if trimmed == "" {
		return &Problem{Kind: KindSyntax, Detail: "empty query"}
	}

	depth := 0
	inString := false
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if inString {
			if c == '\'' {
				// '' escapes a quote inside a literal
				if i+1 < len(trimmed) && trimmed[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return &Problem{Kind: KindSyntax, Detail: "unbalanced parentheses"}
			}
		case ';':
			return &Problem{Kind: KindSyntax, Detail: "multiple statements"}
		}
	}
	if inString {
		return &Problem{Kind: KindSyntax, Detail: "unterminated string literal"}
	}
	if depth != 0 {
		return &Problem{Kind: KindSyntax, Detail: "unbalanced parentheses"}
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		if tokens := tokenize(trimmed); len(tokens) > 0 {
			for _, bad := range writeKeywords {
				if tokens[0] == bad {
					return &Problem{Kind: KindNonRead, Detail: fmt.Sprintf("disallowed statement keyword %q", strings.ToUpper(bad))}
				}
			}
		}
		return &Problem{Kind: KindSyntax, Detail: "statement must begin with SELECT or WITH"}
	}
	return nil
}

// CheckWhitelist verifies that every table and column the query references,
// declared or scanned from FROM/JOIN clauses, appears in the allowlist.
func CheckWhitelist(sql string, decl Declared, allow Allowlist) *Problem {
	for _, t := range decl.Tables {
		if !allow.Tables[t] {
			return &Problem{Kind: KindUnknownTable, Detail: fmt.Sprintf("table %q is not in the semantic contract", t)}
		}
	}
	for _, c := range decl.Columns {
		if !allow.Columns[c] {
			return &Problem{Kind: KindUnknownColumn, Detail: fmt.Sprintf("column %q is not in the semantic contract", c)}
		}
	}
	for _, t := range scanTables(sql) {
		if !allow.Tables[t] {
			return &Problem{Kind: KindUnknownTable, Detail: fmt.Sprintf("table %q is not in the semantic contract", t)}
		}
	}
	for _, c := range scanColumns(sql, allow.Tables) {
		if !allow.Columns[c] {
			return &Problem{Kind: KindUnknownColumn, Detail: fmt.Sprintf("column %q is not in the semantic contract", c)}
		}
	}
	return nil
}

// CheckReadOnly rejects any statement containing a data-modifying keyword.
func CheckReadOnly(sql string) *Problem {
	for _, tok := range tokenize(sql) {
		for _, bad := range writeKeywords {
			if tok == bad {
				return &Problem{Kind: KindNonRead, Detail: fmt.Sprintf("disallowed statement keyword %q", strings.ToUpper(bad))}
			}
		}
	}
	return nil
}

// CheckBounded rejects non-aggregating selects that carry no LIMIT: only
// queries with a bounded result shape may reach the warehouse.
func CheckBounded(sql string) *Problem {
	tokens := tokenize(sql)
	for i, tok := range tokens {
		if tok == "limit" {
			return nil
		}
		if tok == "group" && i+1 < len(tokens) && tokens[i+1] == "by" {
			return nil
		}
		for _, fn := range aggregateFunctions {
			if tok == fn {
				return nil
			}
		}
	}
	return &Problem{Kind: KindUnbounded, Detail: "non-aggregating query must carry a LIMIT"}
}

// WrapWithLimit wraps a query so it can never return more than limit rows,
// regardless of what the inner query asks for. The caller typically passes
// its row cap plus one so truncation is detectable.
func WrapWithLimit(sql string, limit int) string {
	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	return fmt.Sprintf("SELECT * FROM ( %s ) AS sub LIMIT %d", inner, limit)
}

// tokenize splits SQL into lowercase word tokens, skipping string literals so
// a value like 'created' is not mistaken for a CREATE statement. Commas are
// kept as their own tokens: a FROM list is otherwise indistinguishable from
// a table alias.
func tokenize(sql string) []string {
	var tokens []string
	var cur strings.Builder
	inString := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if inString {
			if c == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch {
		case c == '\'':
			flush()
			inString = true
		case c == ',':
			flush()
			tokens = append(tokens, ",")
		case c == '_' || c == '.' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			cur.WriteByte(c)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// scanTables extracts table identifiers following FROM and JOIN keywords.
// Subquery openings and CTE names are skipped; only bare identifiers count.
func scanTables(sql string) []string {
	tokens := tokenize(sql)

	// CTE names introduced by WITH are legal references, not warehouse
	// tables. They show up as "name AS SELECT ..." once punctuation drops.
	ctes := make(map[string]bool)
	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i+1] == "as" && tokens[i+2] == "select" {
			ctes[tokens[i]] = true
		}
	}

	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		// "FROM (" opens a subquery; the tokenizer drops the paren, so the
		// next token is SELECT.
		if name == "select" || name == "," || ctes[name] || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	// A comma introduces another table only while inside a FROM list; any
	// later clause keyword closes the list.
	fromList := false
	for i := 0; i < len(tokens)-1; i++ {
		switch tokens[i] {
		case "from":
			fromList = true
			add(tokens[i+1])
		case "join":
			fromList = false
			add(tokens[i+1])
		case ",":
			if fromList {
				add(tokens[i+1])
			}
		case "select", "where", "on", "group", "order", "having", "limit", "union":
			fromList = false
		}
	}
	return out
}

// scanColumns extracts table-qualified column references whose qualifier is
// a contract table. Other qualifiers are CTE or subquery aliases; their
// underlying tables are already checked on their own.
func scanColumns(sql string, tables map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range tokenize(sql) {
		dot := strings.IndexByte(tok, '.')
		if dot <= 0 || dot == len(tok)-1 {
			continue
		}
		if !tables[tok[:dot]] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}
