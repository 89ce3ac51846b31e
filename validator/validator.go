// Package validator implements spec C4: SQL safety validation and
// canonical formatting. No SQL-parsing library appears anywhere in the
// reference corpus, so enforcement here is a small hand-rolled
// tokenizer rather than a borrowed AST — see DESIGN.md for the
// standard-library justification.
package validator

import (
	"regexp"
	"strings"

	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/observability"
)

var forbiddenStatements = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"CREATE": true, "ALTER": true, "TRUNCATE": true,
}

var allKeywords = []string{
	"SELECT", "FROM", "WHERE", "GROUP", "BY", "ORDER", "HAVING", "LIMIT",
	"JOIN", "LEFT", "RIGHT", "INNER", "OUTER", "ON", "AS", "AND", "OR",
	"NOT", "IN", "IS", "NULL", "DISTINCT", "COUNT", "SUM", "AVG", "MIN",
	"MAX", "COALESCE", "CASE", "WHEN", "THEN", "ELSE", "END", "ASC", "DESC",
	"UNION", "ALL", "WITH", "OFFSET",
}

var lineCommentPattern = regexp.MustCompile(`--[^\n]*`)
var blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
var stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
var tokenPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*|[^\sA-Za-z0-9_]+|\d+`)

// stripNoise removes comments and string-literal contents before keyword
// matching, so an attacker cannot hide a forbidden verb inside a string
// or a comment and have it survive formatting unexamined.
func stripNoise(sql string) string {
	s := blockCommentPattern.ReplaceAllString(sql, " ")
	s = lineCommentPattern.ReplaceAllString(s, " ")
	s = stringLiteralPattern.ReplaceAllString(s, "''")
	return s
}

// Validate rejects sql if any statement in it begins with a forbidden
// keyword. It splits on top-level semicolons, ignoring those embedded in
// already-stripped string literals.
func Validate(sql string) error {
	clean := stripNoise(sql)
	statements := strings.Split(clean, ";")
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		tokens := tokenPattern.FindAllString(stmt, -1)
		if len(tokens) == 0 {
			continue
		}
		lead := strings.ToUpper(tokens[0])
		if forbiddenStatements[lead] {
			observability.RecordUnsafeSQLRejection(lead)
			return domain.NewError(domain.KindUnsafeSQL, "statement type \""+lead+"\" is not permitted", domain.ErrUnsafeSQL)
		}
	}
	return nil
}

// Format re-emits sql with canonical formatting: uppercase keywords,
// two-space indentation before each major clause; multiple statements are
// not split into separate blocks. It does not attempt to
// reformat arbitrarily nested subqueries beyond keyword casing and
// whitespace collapse.
func Format(sql string) string {
	clean := strings.TrimSpace(sql)
	clean = regexp.MustCompile(`\s+`).ReplaceAllString(clean, " ")

	tokens := tokenPattern.FindAllString(clean, -1)
	keywordSet := make(map[string]bool, len(allKeywords))
	for _, k := range allKeywords {
		keywordSet[k] = true
	}
	for i, t := range tokens {
		if keywordSet[strings.ToUpper(t)] {
			tokens[i] = strings.ToUpper(t)
		}
	}

	var sb strings.Builder
	indent := "  "
	for i, t := range tokens {
		switch strings.ToUpper(t) {
		case "FROM", "WHERE", "GROUP", "ORDER", "HAVING", "LIMIT", "JOIN", "LEFT", "RIGHT", "INNER":
			sb.WriteString("\n" + indent)
		}
		if i > 0 && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n"+indent) && t != "," && t != ")" {
			sb.WriteString(" ")
		}
		sb.WriteString(t)
	}
	return strings.TrimSpace(sb.String())
}

// ValidateAndFormat implements the §4.4 contract.
func ValidateAndFormat(sql string) (string, error) {
	if strings.TrimSpace(sql) == "" {
		return "", domain.NewError(domain.KindUnsafeSQL, "empty sql", domain.ErrParseSQL)
	}
	if err := Validate(sql); err != nil {
		return "", err
	}
	return Format(sql), nil
}
