// SQLGenerator implements spec C3 on top of the Provider/Registry
// abstraction kept from the gateway: schema-aware prompt assembly,
// structured-JSON parsing, and the provider failover policy of §4.3.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/observability"
)

// GenerationResult is the structured output §4.3/§9 requires the
// provider layer to surface — downstream code never inspects free-form
// model text.
type GenerationResult struct {
	SQL            string   `json:"sql"`
	Explanation    string   `json:"explanation"`
	Confidence     float64  `json:"confidence"`
	EstimatedRows  int      `json:"estimated_rows"`
	ExecutionPlan  string   `json:"execution_plan"`
	Warnings       []string `json:"warnings"`
	ProviderUsed   string   `json:"-"`
	ModelUsed      string   `json:"-"`
}

// FailoverConfig controls the retry/backoff policy of §4.3.
type FailoverConfig struct {
	PrimaryProvider string
	RetryAttempts   int
	RetryDelay      time.Duration
}

// SQLGenerator assembles the SQL-generation prompt and drives provider
// failover across the Registry.
type SQLGenerator struct {
	registry *Registry
	order    []string // provider names, primary first
	cfg      FailoverConfig
	logger   zerolog.Logger
}

// NewSQLGenerator orders providers with cfg.PrimaryProvider first (or
// the first registered provider if the configured primary is absent),
// per §4.3 step 1.
func NewSQLGenerator(registry *Registry, cfg FailoverConfig, logger zerolog.Logger) *SQLGenerator {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	all := registry.List()
	order := make([]string, 0, len(all))
	if cfg.PrimaryProvider != "" {
		for _, n := range all {
			if n == cfg.PrimaryProvider {
				order = append(order, n)
				break
			}
		}
	}
	for _, n := range all {
		if n == cfg.PrimaryProvider {
			continue
		}
		order = append(order, n)
	}

	return &SQLGenerator{
		registry: registry,
		order:    order,
		cfg:      cfg,
		logger:   logger.With().Str("component", "sql_generator").Logger(),
	}
}

// dialectFor maps a DataSourceKind to the SQL dialect the prompt targets.
// spreadsheet/SaaS/CSV sources are synthesised against a PostgreSQL-
// compatible dialect per §4.3.
func dialectFor(kind domain.DataSourceKind) string {
	switch kind {
	case domain.KindRelationalMySQL:
		return "mysql"
	default:
		return "postgres"
	}
}

func dialectHints(dialect string) string {
	if dialect == "mysql" {
		return `Dialect rules: use YEAR()/MONTH() for date parts, DATE_FORMAT() for formatting, CONCAT() for string concatenation, IFNULL() for null coalescing, SUBSTRING() for substrings, NOW() for current time.`
	}
	return `Dialect rules: use EXTRACT(field FROM date) for date parts, TO_CHAR() for formatting, || for string concatenation, COALESCE() for null coalescing, SUBSTR() for substrings, NOW() for current time.`
}

func systemPrompt(schema *domain.Schema, intent *domain.Intent, dialect string) string {
	var sb strings.Builder
	sb.WriteString("You are a SQL expert generating a single read-only query for a ")
	sb.WriteString(dialect)
	sb.WriteString(" database.\n\n")
	sb.WriteString("Schema:\n")
	for _, t := range schema.Tables {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		sb.WriteString("(")
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, fmt.Sprintf("%s %s", c.Name, c.Type))
		}
		sb.WriteString(strings.Join(cols, ", "))
		sb.WriteString(")\n")
	}
	for _, r := range schema.Relationships {
		sb.WriteString(fmt.Sprintf("- relationship: %s.%s -> %s.%s (%s)\n", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn, r.Cardinality))
	}
	sb.WriteString("\n")
	sb.WriteString(dialectHints(dialect))
	sb.WriteString("\n\nCritical rules:\n")
	sb.WriteString("- Only reference tables and columns listed above.\n")
	sb.WriteString("- Always include a LIMIT clause (default 1000) unless the user asks for an aggregate scalar.\n")
	sb.WriteString("- Use COALESCE/IFNULL around columns that may be NULL when used in arithmetic.\n")
	sb.WriteString("- Never emit INSERT, UPDATE, DELETE, DROP, CREATE, ALTER, or TRUNCATE statements.\n\n")
	if intent != nil {
		sb.WriteString(fmt.Sprintf("Detected intent: %s (confidence %.2f)\n", intent.Label, intent.Confidence))
	}
	sb.WriteString("\nRespond with strict JSON only: {\"sql\":\"...\",\"explanation\":\"...\",\"confidence\":0.0-1.0,\"estimated_rows\":0,\"execution_plan\":\"...\",\"warnings\":[\"...\"]}")
	return sb.String()
}

// isRateLimited reports whether err indicates the provider should be
// abandoned immediately per §4.3 step 4.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") || strings.Contains(s, "rate limit") || strings.Contains(s, "rate_limit") || strings.Contains(s, "quota")
}

// Generate implements §4.3's provider failover policy.
func (g *SQLGenerator) Generate(ctx context.Context, text string, intent *domain.Intent, schema *domain.Schema, kind domain.DataSourceKind) (*GenerationResult, error) {
	if len(g.order) == 0 {
		return nil, domain.NewError(domain.KindSQLGenFailed, "no llm providers configured", domain.ErrAllProvidersFailed)
	}

	dialect := dialectFor(kind)
	prompt := systemPrompt(schema, intent, dialect)

	for _, name := range g.order {
		prov, ok := g.registry.Get(name)
		if !ok {
			continue
		}

		for attempt := 0; attempt < g.cfg.RetryAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, domain.NewError(domain.KindCancelled, "cancelled during provider retry backoff", ctx.Err())
				case <-time.After(g.cfg.RetryDelay * time.Duration(attempt)):
				}
			}

			model := providerModel(prov, attempt)
			resp, err := prov.ChatCompletion(ctx, &ChatRequest{
				Model: model,
				Messages: []ChatMessage{
					{Role: "system", Content: prompt},
					{Role: "user", Content: text},
				},
			})
			if err != nil {
				g.logger.Warn().Err(err).Str("provider", name).Int("attempt", attempt).Msg("sql generation attempt failed")
				if isRateLimited(err) {
					observability.RecordProviderAttempt(name, "rate_limited")
					select {
					case <-ctx.Done():
						return nil, domain.NewError(domain.KindCancelled, "cancelled", ctx.Err())
					case <-time.After(g.cfg.RetryDelay):
					}
					break // abandon this provider, move to the next
				}
				observability.RecordProviderAttempt(name, "error")
				continue
			}

			if len(resp.Choices) == 0 {
				observability.RecordProviderAttempt(name, "empty_response")
				continue
			}
			content := resp.Choices[0].Message.Content
			result, perr := parseGenerationResponse(content)
			if perr != nil {
				g.logger.Warn().Err(perr).Str("provider", name).Msg("unparseable structured response")
				observability.RecordProviderAttempt(name, "bad_response")
				continue
			}
			result.ProviderUsed = name
			result.ModelUsed = model
			observability.RecordProviderAttempt(name, "success")
			return result, nil
		}
	}

	return nil, domain.NewError(domain.KindSQLGenFailed, "all llm providers exhausted their retry budget", domain.ErrAllProvidersFailed)
}

// Complete satisfies intent.Generator for LLM-based intent classification.
// It sends one request to the first provider in failover order using that
// provider's primary model; it does not retry or fail over to other providers.
func (g *SQLGenerator) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	if len(g.order) == 0 {
		return "", domain.ErrAllProvidersFailed
	}
	name := g.order[0]
	prov, ok := g.registry.Get(name)
	if !ok {
		return "", domain.ErrAllProvidersFailed
	}
	model := providerModel(prov, 0)
	resp, err := prov.ChatCompletion(ctx, &ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userText},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", domain.ErrBadResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func providerModel(prov Provider, attempt int) string {
	models := prov.Models()
	if len(models) == 0 {
		return ""
	}
	if attempt == 0 || len(models) == 1 {
		return models[0]
	}
	return models[1]
}

var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func parseGenerationResponse(content string) (*GenerationResult, error) {
	text := content
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = strings.TrimSpace(text)

	var result GenerationResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadResponse, err)
	}
	if strings.TrimSpace(result.SQL) == "" {
		return nil, domain.ErrBadResponse
	}
	return &result, nil
}
