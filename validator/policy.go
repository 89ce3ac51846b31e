// Policy extends the built-in forbidden-statement check with named,
// configurable rules, adapted from the gateway's OPA policy store. Since
// there is no Rego interpreter in this domain, a Policy here is a plain
// forbidden-pattern rule rather than a Rego module; the evaluation log
// and dry-run shape are kept from the source. The built-in tokenizer in
// validator.go is the real enforcement boundary: ValidateAndFormat does
// not consult a PolicyStore, so its rules apply only where a caller runs
// Evaluate itself.
package validator

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Policy is one named SQL safety rule.
type Policy struct {
	ID          string
	Name        string
	Description string
	Pattern     *regexp.Regexp
	Active      bool
	DryRun      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Decision is the outcome of evaluating all active policies against one statement.
type Decision struct {
	Allow bool
	Deny  []string
	Warn  []string
}

// EvaluationResult is one logged policy evaluation.
type EvaluationResult struct {
	PolicyID   string
	PolicyName string
	Decision   Decision
	SQL        string
	Timestamp  time.Time
	LatencyMs  float64
	DryRun     bool
}

// PolicyStore holds named SQL safety rules beyond the built-in forbidden
// statement set, with a bounded evaluation log.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	evalLog  []EvaluationResult
}

// NewPolicyStore creates an empty store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		policies: make(map[string]*Policy),
		evalLog:  make([]EvaluationResult, 0, 1024),
	}
}

// Add registers or replaces a policy.
func (s *PolicyStore) Add(p *Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.policies[p.ID] = p
}

// Remove deletes a policy by ID.
func (s *PolicyStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
}

// List returns all registered policies.
func (s *PolicyStore) List() []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}

// Evaluate runs every active policy's pattern against sql.
func (s *PolicyStore) Evaluate(sql string) Decision {
	s.mu.RLock()
	active := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if p.Active {
			active = append(active, p)
		}
	}
	s.mu.RUnlock()

	combined := Decision{Allow: true}
	for _, p := range active {
		start := time.Now()
		matched := p.Pattern != nil && p.Pattern.MatchString(sql)
		elapsed := time.Since(start)

		decision := Decision{Allow: !matched}
		if matched {
			reason := fmt.Sprintf("policy %q matched: %s", p.Name, p.Description)
			if p.DryRun {
				decision.Warn = []string{reason}
			} else {
				decision.Deny = []string{reason}
			}
		}

		s.logEvaluation(p, sql, decision, elapsed)

		if p.DryRun {
			combined.Warn = append(combined.Warn, decision.Warn...)
			continue
		}
		combined.Deny = append(combined.Deny, decision.Deny...)
		combined.Warn = append(combined.Warn, decision.Warn...)
		if len(decision.Deny) > 0 {
			combined.Allow = false
		}
	}
	return combined
}

func (s *PolicyStore) logEvaluation(p *Policy, sql string, decision Decision, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalLog = append(s.evalLog, EvaluationResult{
		PolicyID: p.ID, PolicyName: p.Name, Decision: decision, SQL: sql,
		Timestamp: time.Now(), LatencyMs: float64(elapsed.Microseconds()) / 1000.0, DryRun: p.DryRun,
	})
	if len(s.evalLog) > 10000 {
		s.evalLog = s.evalLog[len(s.evalLog)-10000:]
	}
}

// EvaluationLog returns up to limit most-recent evaluation entries.
func (s *PolicyStore) EvaluationLog(limit int) []EvaluationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.evalLog) {
		limit = len(s.evalLog)
	}
	start := len(s.evalLog) - limit
	out := make([]EvaluationResult, limit)
	copy(out, s.evalLog[start:])
	return out
}

// BuiltInPolicies returns example rules beyond the hard-coded
// forbidden-statement set: blocking SELECT ... INTO and calls to
// server-state functions, expressed as the analytical-query domain's
// analogue of the gateway's built-in Rego templates.
func BuiltInPolicies() []*Policy {
	return []*Policy{
		{
			ID:          "no_select_into",
			Name:        "Block SELECT INTO",
			Description: "SELECT ... INTO creates a new table as a side effect",
			Pattern:     regexp.MustCompile(`(?i)\bSELECT\b.*\bINTO\b`),
			Active:      true,
		},
		{
			ID:          "no_pg_catalog_write_funcs",
			Name:        "Block catalog-mutating functions",
			Description: "Functions like pg_terminate_backend or lo_export touch server state",
			Pattern:     regexp.MustCompile(`(?i)\bpg_(terminate_backend|reload_conf|cancel_backend)\b|\blo_(export|import)\b`),
			Active:      true,
		},
	}
}
