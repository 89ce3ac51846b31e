package querymanager

import "testing"

func TestAnalyzeOptimization_Penalties(t *testing.T) {
	cases := []struct {
		name     string
		sql      string
		wantMax  int
		category string
	}{
		{"clean query", "SELECT id, total FROM orders LIMIT 10", 100, "excellent"},
		{"select star", "SELECT * FROM orders LIMIT 10", 80, "excellent"},
		{"no limit", "SELECT id FROM orders", 75, "good"},
		{"wildcard like no limit", "SELECT id FROM orders WHERE name LIKE '%smith%'", 60, "good"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			result := AnalyzeOptimization(c.sql)
			if result.Score > c.wantMax {
				t.Errorf("%s: score %d exceeds expected max %d", c.sql, result.Score, c.wantMax)
			}
			if string(result.Category) != c.category {
				t.Errorf("%s: category = %q, want %q", c.sql, result.Category, c.category)
			}
		})
	}
}

func TestAnalyzeOptimization_OrderByWithoutLimit(t *testing.T) {
	result := AnalyzeOptimization("SELECT id FROM orders ORDER BY total")
	// missing LIMIT (-25) plus ORDER BY without LIMIT (-10) = 65
	if result.Score != 65 {
		t.Fatalf("expected score 65, got %d", result.Score)
	}
}

func TestFirstKeyword_SkipsStopWords(t *testing.T) {
	if got := firstKeyword("show me the revenue by region"); got != "revenue" {
		t.Fatalf("expected %q, got %q", "revenue", got)
	}
}

func TestFirstKeyword_NoQualifyingToken(t *testing.T) {
	if got := firstKeyword("how is it"); got != "" {
		t.Fatalf("expected empty keyword, got %q", got)
	}
}

func TestTopSuggestions_OrdersByFrequency(t *testing.T) {
	counts := map[string]int{"a": 1, "b": 5, "c": 3}
	got := topSuggestions(counts, 2)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("unexpected order: %v", got)
	}
}
