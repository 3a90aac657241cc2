package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/metrics"
)

// Result is the outcome of evaluating an entity against the active rules.
// Errors is never nil so that it serialises as an empty list.
type Result struct {
	Accepted bool     `json:"valid"`
	Errors   []string `json:"errors"`
}

// Err returns an *interfaces.ValidationError for rejected results and nil otherwise.
func (r *Result) Err() error {
	if r.Accepted {
		return nil
	}
	return &interfaces.ValidationError{Errors: r.Errors}
}

type compiledRule struct {
	kind      interfaces.RuleKind
	parameter string
	check     Check
}

// Engine evaluates and manages validation rules stored in a RuleStore.
type Engine struct {
	rules    interfaces.RuleStore
	log      *slog.Logger
	counters *metrics.Counters
	now      func() time.Time

	mu       sync.Mutex
	compiled map[int64]compiledRule
}

func NewEngine(rules interfaces.RuleStore, log *slog.Logger) *Engine {
	return &Engine{
		rules:    rules,
		log:      log,
		now:      time.Now,
		compiled: make(map[int64]compiledRule),
	}
}

// WithClock replaces the clock used for rule timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithCounters(c *metrics.Counters) *Engine {
	e.counters = c
	return e
}

// Evaluate applies every active rule whose scope covers entityType, in rule
// creation order. Failures do not short-circuit. The returned error is only
// set when rules could not be loaded.
func (e *Engine) Evaluate(ctx context.Context, entityType interfaces.EntityType, metadata, jwks map[string]any) (*Result, error) {
	rules, err := e.rules.Rules(ctx, interfaces.RuleFilter{Scope: interfaces.RuleScope(entityType), ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("loading validation rules: %w", err)
	}

	doc := Document(metadata, jwks)
	result := &Result{Accepted: true, Errors: []string{}}
	for _, rule := range rules {
		value, present := Resolve(doc, rule.FieldPath)
		if err := e.checkFor(rule).Apply(value, present); err != nil {
			result.Errors = append(result.Errors, failureMessage(rule, value, err))
		}
	}

	if len(result.Errors) > 0 {
		result.Accepted = false
		e.counters.ValidationRejection()
		e.log.Info("entity rejected by validation rules",
			"entityType", entityType,
			"failures", len(result.Errors),
		)
	}
	return result, nil
}

// checkFor returns the cached check for rule, compiling it if the rule is new
// or its kind or parameter changed since the last load.
func (e *Engine) checkFor(rule *interfaces.ValidationRule) Check {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.compiled[rule.ID]; ok && c.kind == rule.Kind && c.parameter == rule.Parameter {
		return c.check
	}

	check, err := Compile(rule.Kind, rule.Parameter)
	if err != nil {
		e.log.Warn("validation rule does not compile", "rule", rule.Name, "err", err)
		check = misconfiguredCheck{kind: rule.Kind, err: err}
	}
	e.compiled[rule.ID] = compiledRule{kind: rule.Kind, parameter: rule.Parameter, check: check}
	return check
}

func (e *Engine) forget(id int64) {
	e.mu.Lock()
	delete(e.compiled, id)
	e.mu.Unlock()
}

// failureMessage expands the rule's error_message template. The placeholders
// {rule_name}, {field_path} and {value} are substituted.
func failureMessage(rule *interfaces.ValidationRule, value any, cause error) string {
	var cfg *configError
	if errors.As(cause, &cfg) {
		return fmt.Sprintf("rule %s is misconfigured: %v", rule.Name, cfg.err)
	}

	msg := rule.ErrorMessage
	if msg == "" {
		msg = "validation failed for " + rule.FieldPath
	} else {
		msg = strings.NewReplacer(
			"{rule_name}", rule.Name,
			"{field_path}", rule.FieldPath,
			"{value}", stringify(value),
		).Replace(msg)
	}

	if errors.Is(cause, errNotNumeric) {
		msg = fmt.Sprintf("%s (%s)", msg, errNotNumeric)
	}
	return msg
}
