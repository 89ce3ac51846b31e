// Package intent is the Intent Classifier (spec C2): produces a label,
// confidence, and structured slots from free natural-language text.
// KeywordClassifier is adapted from the gateway's weighted keyword-rule
// RequestCategory classifier; LLMClassifier follows the same
// classify-then-cache-then-fallback shape used for LLM-based intent
// classification in the wider reference corpus.
package intent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AlfredDev/queryengine/domain"
)

// Classifier produces an Intent from free text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*domain.Intent, error)
}

// Rule is a weighted keyword-based classification rule.
type Rule struct {
	Label    string
	Keywords []string
	Weight   float64
}

var defaultRules = []Rule{
	{domain.IntentSchemaDiscovery, []string{"what tables", "list tables", "schema", "columns", "what fields", "describe table", "what data"}, 1.0},
	{domain.IntentDataQuality, []string{"missing", "null values", "duplicate", "invalid", "data quality", "incomplete", "inconsistent"}, 1.0},
	{domain.IntentDataTransform, []string{"convert", "transform", "normalize", "pivot", "reshape", "aggregate into", "merge columns"}, 1.0},
	{domain.IntentAnalytics, []string{"total", "sum", "average", "count", "trend", "top", "revenue", "growth", "by month", "by day", "compare", "breakdown"}, 1.0},
	{domain.IntentRelationshipQry, []string{"related to", "join", "linked", "associated with", "connected", "belongs to", "between"}, 0.9},
	{domain.IntentQueryGeneration, []string{"write a query", "generate sql", "sql for", "query that"}, 1.0},
	{domain.IntentDocumentSearch, []string{"find document", "search for", "look up", "locate file"}, 0.8},
	{domain.IntentAPICall, []string{"call the api", "fetch from", "webhook", "endpoint"}, 0.8},
}

// KeywordClassifier scores free text against a weighted rule set; it is
// local, deterministic, and has no external dependency.
type KeywordClassifier struct {
	rules         []Rule
	minConfidence float64
}

// NewKeywordClassifier builds a classifier with the default analytical-domain rules.
func NewKeywordClassifier(minConfidence float64) *KeywordClassifier {
	return &KeywordClassifier{rules: defaultRules, minConfidence: minConfidence}
}

func (c *KeywordClassifier) Classify(ctx context.Context, text string) (*domain.Intent, error) {
	lower := strings.ToLower(text)
	scores := make(map[string]float64)
	maxPossible := 0.0
	for _, rule := range c.rules {
		maxPossible += rule.Weight
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				scores[rule.Label] += rule.Weight
				break
			}
		}
	}

	label := domain.IntentUnknown
	best := 0.0
	for l, s := range scores {
		if s > best {
			best = s
			label = l
		}
	}

	confidence := 0.0
	if maxPossible > 0 {
		confidence = best / maxPossible
		// Weighted scoring rarely approaches maxPossible; rescale so a
		// single strong keyword match reads as reasonably confident.
		confidence = minFloat(1.0, confidence*3.0)
	}
	if best == 0 {
		confidence = 0
		label = domain.IntentUnknown
	}

	intent := &domain.Intent{
		Label:      label,
		Confidence: confidence,
		Entities:   extractEntities(text),
		Timeframe:  extractTimeframe(lower),
		Metrics:    extractMetrics(lower),
		Dimensions: extractDimensions(lower),
	}

	if confidence < c.minConfidence {
		intent.Suggestions = suggestionsFor(text)
	}

	return intent, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func suggestionsFor(text string) []string {
	return []string{
		"Try naming a specific table, metric, or time range, e.g. \"monthly revenue by region for 2025\"",
		"Ask about a concrete entity in your data source, e.g. \"top 10 customers by order total\"",
		"Rephrase as a question about totals, trends, or comparisons",
	}
}

var timeframePattern = regexp.MustCompile(`\b(last|past|this)\s+(day|week|month|quarter|year)\b|\b(\d{4})\b`)

func extractTimeframe(lower string) *domain.Timeframe {
	m := timeframePattern.FindStringSubmatch(lower)
	if m == nil {
		return nil
	}
	granularity := m[2]
	if granularity == "" {
		granularity = "year"
	}
	now := time.Now()
	var from time.Time
	switch granularity {
	case "day":
		from = now.AddDate(0, 0, -1)
	case "week":
		from = now.AddDate(0, 0, -7)
	case "month":
		from = now.AddDate(0, -1, 0)
	case "quarter":
		from = now.AddDate(0, -3, 0)
	default:
		from = now.AddDate(-1, 0, 0)
	}
	return &domain.Timeframe{From: from, To: now, Granularity: granularity}
}

var metricWords = []string{"revenue", "sales", "count", "total", "average", "sum", "growth", "churn", "conversion", "spend"}
var dimensionWords = []string{"region", "customer", "product", "category", "month", "day", "year", "channel", "segment"}

func extractMetrics(lower string) []string {
	var out []string
	for _, w := range metricWords {
		if strings.Contains(lower, w) {
			out = append(out, w)
		}
	}
	return out
}

func extractDimensions(lower string) []string {
	var out []string
	for _, w := range dimensionWords {
		if strings.Contains(lower, w) {
			out = append(out, w)
		}
	}
	return out
}

var numberPattern = regexp.MustCompile(`\b\d+\b`)

func extractEntities(text string) map[string]string {
	entities := make(map[string]string)
	if nums := numberPattern.FindAllString(text, -1); len(nums) > 0 {
		entities["top_n"] = nums[0]
		if n, err := strconv.Atoi(nums[0]); err == nil && n > 0 {
			entities["limit"] = strconv.Itoa(n)
		}
	}
	return entities
}

// classificationCacheEntry is one memoised LLM classification.
type classificationCacheEntry struct {
	intent    *domain.Intent
	expiresAt time.Time
}

// classificationCache is a small bounded TTL cache keyed on exact text,
// adapted from the reference corpus's LLM-classifier cache pattern.
type classificationCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]classificationCacheEntry
}

func newClassificationCache(ttl time.Duration, maxSize int) *classificationCache {
	return &classificationCache{ttl: ttl, maxSize: maxSize, entries: make(map[string]classificationCacheEntry)}
}

func (c *classificationCache) get(key string) (*domain.Intent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.intent, true
}

func (c *classificationCache) set(key string, intent *domain.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = classificationCacheEntry{intent: intent, expiresAt: time.Now().Add(c.ttl)}
}

func (c *classificationCache) evictOldestLocked() {
	// Remove roughly 20% of entries, oldest-expiry first.
	n := len(c.entries) / 5
	if n < 1 {
		n = 1
	}
	for removed := 0; removed < n && len(c.entries) > 0; removed++ {
		var oldestKey string
		var oldest time.Time
		first := true
		for k, e := range c.entries {
			if first || e.expiresAt.Before(oldest) {
				oldestKey, oldest, first = k, e.expiresAt, false
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Generator is the minimal LLM capability the LLMClassifier needs: a
// single-shot text completion. llm.SQLGenerator implements it through its
// Complete method and is passed in directly by main wiring.
type Generator interface {
	Complete(ctx context.Context, systemPrompt, userText string) (string, error)
}

// LLMClassifier asks an LLM to classify intent, falling back to a
// KeywordClassifier on any transport or parse error so a degraded LLM
// never turns into a hard ClassifierUnavailable failure by itself.
type LLMClassifier struct {
	gen      Generator
	fallback *KeywordClassifier
	cache    *classificationCache
}

// NewLLMClassifier builds an LLM-backed classifier with a 15 minute
// classification cache and keyword fallback.
func NewLLMClassifier(gen Generator, fallback *KeywordClassifier) *LLMClassifier {
	return &LLMClassifier{gen: gen, fallback: fallback, cache: newClassificationCache(15*time.Minute, 512)}
}

const classificationSystemPrompt = `You classify a natural-language analytics question into exactly one intent.
Valid intents: schema_discovery, data_quality, data_transform, analytics, relationship_query, query_generation, document_search, api_call, unknown.
Respond with strict JSON: {"intent": "...", "confidence": 0.0-1.0, "reasoning": "..."}
Use confidence > 0.9 only when the intent is unambiguous, 0.7-0.9 when probable, below 0.7 when uncertain or multi-intent. Use "unknown" for greetings or chitchat.`

func (c *LLMClassifier) Classify(ctx context.Context, text string) (*domain.Intent, error) {
	key := strings.ToLower(strings.TrimSpace(text))
	if cached, ok := c.cache.get(key); ok {
		return cached, nil
	}

	raw, err := c.gen.Complete(ctx, classificationSystemPrompt, text)
	if err != nil {
		return c.fallback.Classify(ctx, text)
	}

	label, confidence, ok := parseClassificationJSON(raw)
	if !ok {
		return c.fallback.Classify(ctx, text)
	}

	intent := &domain.Intent{
		Label:      label,
		Confidence: confidence,
		Entities:   extractEntities(text),
		Timeframe:  extractTimeframe(strings.ToLower(text)),
		Metrics:    extractMetrics(strings.ToLower(text)),
		Dimensions: extractDimensions(strings.ToLower(text)),
	}
	if confidence < 0.3 {
		intent.Suggestions = suggestionsFor(text)
	}
	c.cache.set(key, intent)
	return intent, nil
}

var validIntents = map[string]bool{
	domain.IntentSchemaDiscovery: true, domain.IntentDataQuality: true, domain.IntentDataTransform: true,
	domain.IntentAnalytics: true, domain.IntentRelationshipQry: true, domain.IntentQueryGeneration: true,
	domain.IntentDocumentSearch: true, domain.IntentAPICall: true, domain.IntentUnknown: true,
}

var jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var intentFieldPattern = regexp.MustCompile(`"intent"\s*:\s*"([a-z_]+)"`)
var confidenceFieldPattern = regexp.MustCompile(`"confidence"\s*:\s*([0-9.]+)`)

func parseClassificationJSON(raw string) (label string, confidence float64, ok bool) {
	text := raw
	if m := jsonFencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	im := intentFieldPattern.FindStringSubmatch(text)
	if im == nil {
		return "", 0, false
	}
	label = im[1]
	if !validIntents[label] {
		return "", 0, false
	}

	confidence = 0.5
	if cm := confidenceFieldPattern.FindStringSubmatch(text); cm != nil {
		if f, err := strconv.ParseFloat(cm[1], 64); err == nil {
			confidence = f
		}
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return label, confidence, true
}
