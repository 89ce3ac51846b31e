package querymanager

import (
	"regexp"
	"strings"

	"github.com/AlfredDev/queryengine/domain"
)

var (
	selectStarPattern  = regexp.MustCompile(`(?i)\bSELECT\s+\*`)
	likePrefixPattern  = regexp.MustCompile(`(?i)\bLIKE\s+'%`)
	limitPattern       = regexp.MustCompile(`(?i)\b(LIMIT|TOP)\b`)
	orderByPattern     = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
)

// AnalyzeOptimization implements the §4.7 heuristic: start at 100,
// subtract per anti-pattern found, and bucket the result into a category.
func AnalyzeOptimization(sql string) domain.OptimizationAnalysis {
	score := 100
	var suggestions []string

	if selectStarPattern.MatchString(sql) {
		score -= 20
		suggestions = append(suggestions, "Select only the columns you need instead of SELECT *")
	}
	if likePrefixPattern.MatchString(sql) {
		score -= 15
		suggestions = append(suggestions, "Avoid a leading wildcard in LIKE '%...' — it prevents index usage")
	}
	hasLimit := limitPattern.MatchString(sql)
	if !hasLimit {
		score -= 25
		suggestions = append(suggestions, "Add a LIMIT clause to bound the result set")
	}
	if orderByPattern.MatchString(sql) && !hasLimit {
		score -= 10
		suggestions = append(suggestions, "ORDER BY without LIMIT sorts the entire result set")
	}

	if score < 0 {
		score = 0
	}

	return domain.OptimizationAnalysis{
		Score:       score,
		Category:    categoryFor(score),
		Suggestions: suggestions,
	}
}

func categoryFor(score int) domain.OptimizationCategory {
	switch {
	case score >= 80:
		return domain.CategoryExcellent
	case score >= 60:
		return domain.CategoryGood
	case score >= 40:
		return domain.CategoryFair
	default:
		return domain.CategoryPoor
	}
}

// stopWords are excluded from FindSimilar's keyword extraction per §4.6.
var stopWords = map[string]bool{
	"show": true, "give": true, "tell": true, "what": true,
	"when": true, "where": true, "how": true,
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// firstKeyword extracts the first lowercased alphanumeric token of length
// > 3 from text that is not a stop word, per §4.6's similarity prefilter.
func firstKeyword(text string) string {
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if len(tok) > 3 && !stopWords[tok] {
			return tok
		}
	}
	return ""
}
