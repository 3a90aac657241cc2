package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"gopkg.in/yaml.v3"
)

// Parameter is a rule's validation_value. It accepts either a string or any
// JSON/YAML value, which is kept in its JSON encoding.
type Parameter string

func (p *Parameter) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Parameter(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	*p = Parameter(data)
	return nil
}

func (p *Parameter) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = Parameter(node.Value)
		return nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("validation_value: %w", err)
	}
	*p = Parameter(raw)
	return nil
}

// Flag is a boolean that also accepts the integers 0 and 1.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*f = true
	case "false", "0":
		*f = false
	default:
		return fmt.Errorf("is_active must be a boolean, got %s", data)
	}
	return nil
}

// RuleSpec is the input for creating a rule.
type RuleSpec struct {
	Name         string    `json:"rule_name" yaml:"rule_name"`
	EntityType   string    `json:"entity_type" yaml:"entity_type"`
	FieldPath    string    `json:"field_path" yaml:"field_path"`
	Kind         string    `json:"validation_type" yaml:"validation_type"`
	Parameter    Parameter `json:"validation_value" yaml:"validation_value"`
	ErrorMessage string    `json:"error_message" yaml:"error_message"`
	Active       *Flag     `json:"is_active,omitempty" yaml:"is_active,omitempty"`
}

// RuleUpdate changes the non-nil fields of a stored rule.
type RuleUpdate struct {
	Name         *string    `json:"rule_name,omitempty"`
	EntityType   *string    `json:"entity_type,omitempty"`
	FieldPath    *string    `json:"field_path,omitempty"`
	Kind         *string    `json:"validation_type,omitempty"`
	Parameter    *Parameter `json:"validation_value,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Active       *Flag      `json:"is_active,omitempty"`
}

// CreateRule validates spec and stores it as a new rule. Rules are active
// unless spec says otherwise.
func (e *Engine) CreateRule(ctx context.Context, spec RuleSpec) (*interfaces.ValidationRule, error) {
	now := e.now().UTC()
	rule := &interfaces.ValidationRule{
		Name:         strings.TrimSpace(spec.Name),
		FieldPath:    strings.TrimSpace(spec.FieldPath),
		Parameter:    string(spec.Parameter),
		ErrorMessage: spec.ErrorMessage,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if spec.Active != nil {
		rule.Active = bool(*spec.Active)
	}

	var err error
	if rule.Scope, err = interfaces.ParseRuleScope(spec.EntityType); err != nil {
		return nil, err
	}
	if rule.Kind, err = interfaces.ParseRuleKind(spec.Kind); err != nil {
		return nil, err
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}

	if err := e.rules.InsertRule(ctx, rule); err != nil {
		return nil, err
	}
	e.log.Info("validation rule created", "id", rule.ID, "rule", rule.Name, "kind", rule.Kind)
	return rule, nil
}

// UpdateRule applies update to the rule with the given id.
func (e *Engine) UpdateRule(ctx context.Context, id int64, update RuleUpdate) (*interfaces.ValidationRule, error) {
	rule, err := e.rules.Rule(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		rule.Name = strings.TrimSpace(*update.Name)
	}
	if update.EntityType != nil {
		if rule.Scope, err = interfaces.ParseRuleScope(*update.EntityType); err != nil {
			return nil, err
		}
	}
	if update.FieldPath != nil {
		rule.FieldPath = strings.TrimSpace(*update.FieldPath)
	}
	if update.Kind != nil {
		if rule.Kind, err = interfaces.ParseRuleKind(*update.Kind); err != nil {
			return nil, err
		}
	}
	if update.Parameter != nil {
		rule.Parameter = string(*update.Parameter)
	}
	if update.ErrorMessage != nil {
		rule.ErrorMessage = *update.ErrorMessage
	}
	if update.Active != nil {
		rule.Active = bool(*update.Active)
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	rule.UpdatedAt = e.now().UTC()

	if err := e.rules.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	e.forget(id)
	e.log.Info("validation rule updated", "id", id, "rule", rule.Name, "active", rule.Active)
	return rule, nil
}

func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if err := e.rules.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.forget(id)
	e.log.Info("validation rule deleted", "id", id)
	return nil
}

func (e *Engine) Rule(ctx context.Context, id int64) (*interfaces.ValidationRule, error) {
	return e.rules.Rule(ctx, id)
}

// Rules lists rules in creation order.
func (e *Engine) Rules(ctx context.Context, filter interfaces.RuleFilter) ([]*interfaces.ValidationRule, error) {
	return e.rules.Rules(ctx, filter)
}

func validateRule(rule *interfaces.ValidationRule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: rule_name is required", interfaces.ErrInvalidInput)
	}
	if rule.FieldPath == "" {
		return fmt.Errorf("%w: field_path is required", interfaces.ErrInvalidInput)
	}
	for _, segment := range strings.Split(rule.FieldPath, ".") {
		if segment == "" {
			return fmt.Errorf("%w: field_path %q has an empty segment", interfaces.ErrInvalidInput, rule.FieldPath)
		}
	}
	if _, err := Compile(rule.Kind, rule.Parameter); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidInput, err)
	}
	return nil
}
