package validation

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"gopkg.in/yaml.v3"
)

// RuleFile is the YAML document accepted by LoadRuleFile:
//
//	rules:
//	  - rule_name: op_issuer_https
//	    entity_type: OP
//	    field_path: metadata.openid_provider.issuer
//	    validation_type: regex
//	    validation_value: "https://.*"
//	    error_message: "issuer must use https"
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

func LoadRuleFile(path string) ([]RuleSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file RuleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing rule file %s: %w", path, err)
	}
	return file.Rules, nil
}

// Seed creates every rule in specs whose name is not yet taken. It returns the
// number of rules created and stops at the first other error.
func (e *Engine) Seed(ctx context.Context, specs []RuleSpec) (int, error) {
	created := 0
	for _, spec := range specs {
		_, err := e.CreateRule(ctx, spec)
		switch {
		case errors.Is(err, interfaces.ErrRuleExists):
			e.log.Debug("validation rule already present, skipping", "rule", spec.Name)
		case err != nil:
			return created, fmt.Errorf("seeding rule %q: %w", spec.Name, err)
		default:
			created++
		}
	}
	return created, nil
}
