package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/fieldworks/curlew/internal/domain"
)

// CustomEngine evaluates opportunity-scoped CEL flag expressions against a
// submission. Programs are compiled once and cached per opportunity;
// LoadRules recompiles only when the rule set actually changed, so it is
// cheap to call on every intake.
type CustomEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*ruleSet // keyed by opportunity id
}

type ruleSet struct {
	fingerprint string
	rules       []*compiledRule
}

type compiledRule struct {
	config  *domain.CustomFlagRule
	program cel.Program
}

// NewCustomEngine creates the engine with the submission variables the
// expressions can reference.
func NewCustomEngine() (*CustomEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("form", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("username", cel.StringType),
		cel.Variable("app_build_version", cel.StringType),
		cel.Variable("duration_minutes", cel.DoubleType),
		cel.Variable("attachment_count", cel.IntType),
		cel.Variable("status", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CustomEngine{
		env:      env,
		compiled: make(map[string]*ruleSet),
	}, nil
}

// ValidateRule compiles a rule without loading it, for admission checks at
// configuration time.
func (e *CustomEngine) ValidateRule(cfg *domain.CustomFlagRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRules installs the enabled rules for one opportunity, replacing any
// previously loaded set. A no-op when the set is unchanged.
func (e *CustomEngine) LoadRules(opportunityID string, configs []*domain.CustomFlagRule) error {
	fp := fingerprint(configs)

	e.mu.RLock()
	existing, ok := e.compiled[opportunityID]
	e.mu.RUnlock()
	if ok && existing.fingerprint == fp {
		return nil
	}

	set := &ruleSet{fingerprint: fp}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		set.rules = append(set.rules, compiled)
	}

	e.mu.Lock()
	e.compiled[opportunityID] = set
	e.mu.Unlock()
	return nil
}

// Evaluate runs the opportunity's loaded rules against the submission and
// returns a flag for each rule that evaluates to true. A rule that errors
// at runtime produces a flag naming the failure instead of aborting intake.
func (e *CustomEngine) Evaluate(opportunityID string, sub *domain.Submission, status domain.VisitStatus) []domain.FlagReason {
	e.mu.RLock()
	set, ok := e.compiled[opportunityID]
	e.mu.RUnlock()
	if !ok || len(set.rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"form":              sub.Form,
		"username":          sub.Metadata.Username,
		"app_build_version": sub.Metadata.AppBuildVersion,
		"duration_minutes":  sub.Duration().Minutes(),
		"attachment_count":  int64(countAttachments(sub.Attachments)),
		"status":            string(status),
	}

	var flags []domain.FlagReason
	for _, rule := range set.rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			flags = append(flags, domain.FlagReason{
				Code:    domain.FlagCustom,
				Message: fmt.Sprintf("rule %q failed to evaluate: %v", rule.config.Name, err),
			})
			continue
		}
		if out == types.True {
			flags = append(flags, domain.FlagReason{
				Code:    domain.FlagCustom,
				Message: fmt.Sprintf("rule %q matched", rule.config.Name),
			})
		}
	}
	return flags
}

// RulesCount returns the number of loaded rules across all opportunities.
func (e *CustomEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, set := range e.compiled {
		n += len(set.rules)
	}
	return n
}

// Close releases all compiled programs.
func (e *CustomEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*ruleSet)
	return nil
}

func (e *CustomEngine) compileRule(cfg *domain.CustomFlagRule) (*compiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledRule{config: cfg, program: program}, nil
}

// fingerprint is a cheap change detector over a rule set.
func fingerprint(configs []*domain.CustomFlagRule) string {
	fp := ""
	for _, cfg := range configs {
		fp += cfg.ID + "\x00" + cfg.Expression + "\x00"
		if cfg.Enabled {
			fp += "1\x00"
		} else {
			fp += "0\x00"
		}
	}
	return fp
}
