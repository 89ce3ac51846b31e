package intent

import (
	"context"
	"testing"
)

func TestKeywordClassifier_Analytics(t *testing.T) {
	c := NewKeywordClassifier(0.3)
	intent, err := c.Classify(context.Background(), "What is the total revenue by region last month?")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if intent.Label != "analytics" {
		t.Fatalf("expected analytics label, got %q", intent.Label)
	}
	if intent.Confidence < 0.3 {
		t.Fatalf("expected confidence >= 0.3, got %f", intent.Confidence)
	}
	if len(intent.Suggestions) != 0 {
		t.Fatalf("expected no suggestions for a confident classification")
	}
}

func TestKeywordClassifier_LowConfidence(t *testing.T) {
	c := NewKeywordClassifier(0.3)
	intent, err := c.Classify(context.Background(), "asdf qwerty")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if intent.Confidence >= 0.3 {
		t.Fatalf("expected low confidence for gibberish input, got %f", intent.Confidence)
	}
	if len(intent.Suggestions) == 0 {
		t.Fatalf("expected suggestions to be populated below min confidence")
	}
}

func TestParseClassificationJSON(t *testing.T) {
	label, conf, ok := parseClassificationJSON("```json\n{\"intent\": \"analytics\", \"confidence\": 0.95, \"reasoning\": \"obvious\"}\n```")
	if !ok {
		t.Fatal("expected successful parse")
	}
	if label != "analytics" || conf != 0.95 {
		t.Fatalf("got label=%q conf=%f", label, conf)
	}
}

func TestParseClassificationJSON_InvalidIntent(t *testing.T) {
	_, _, ok := parseClassificationJSON(`{"intent": "bogus", "confidence": 0.9}`)
	if ok {
		t.Fatal("expected parse to reject an unrecognised intent label")
	}
}
