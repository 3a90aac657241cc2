package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/ruteri/oidfed-trust-anchor/interfaces"
)

// Check is the compiled form of a rule kind and its parameter.
type Check interface {
	Kind() interfaces.RuleKind
	// Apply returns nil if the resolved value satisfies the check.
	Apply(value any, present bool) error
}

var errRuleFailed = errors.New("rule failed")

// errNotNumeric is returned by range checks for values that cannot be coerced.
var errNotNumeric = errors.New("value is not numeric")

// configError marks a rule whose parameter could not be compiled.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// PresenceCheck implements the required and exists kinds, which currently
// behave the same.
type PresenceCheck struct {
	kind interfaces.RuleKind
}

func (c PresenceCheck) Kind() interfaces.RuleKind { return c.kind }

func (c PresenceCheck) Apply(_ any, present bool) error {
	if !present {
		return errRuleFailed
	}
	return nil
}

type ExactValueCheck struct {
	Expected any
}

func (ExactValueCheck) Kind() interfaces.RuleKind { return interfaces.RuleKindExactValue }

func (c ExactValueCheck) Apply(value any, present bool) error {
	if !present || !reflect.DeepEqual(value, c.Expected) {
		return errRuleFailed
	}
	return nil
}

type RegexCheck struct {
	Pattern *regexp.Regexp
}

func (RegexCheck) Kind() interfaces.RuleKind { return interfaces.RuleKindRegex }

func (c RegexCheck) Apply(value any, present bool) error {
	if !present || !c.Pattern.MatchString(stringify(value)) {
		return errRuleFailed
	}
	return nil
}

type RangeCheck struct {
	Min *float64
	Max *float64
}

func (RangeCheck) Kind() interfaces.RuleKind { return interfaces.RuleKindRange }

func (c RangeCheck) Apply(value any, present bool) error {
	if !present {
		return errRuleFailed
	}
	n, ok := toNumber(value)
	if !ok {
		return errNotNumeric
	}
	if c.Min != nil && n < *c.Min {
		return errRuleFailed
	}
	if c.Max != nil && n > *c.Max {
		return errRuleFailed
	}
	return nil
}

// misconfiguredCheck stands in for a stored rule that does not compile, so
// that evaluation reports it instead of failing.
type misconfiguredCheck struct {
	kind interfaces.RuleKind
	err  error
}

func (c misconfiguredCheck) Kind() interfaces.RuleKind { return c.kind }

func (c misconfiguredCheck) Apply(any, bool) error {
	return &configError{err: c.err}
}

// Compile decodes a rule parameter into its typed check.
func Compile(kind interfaces.RuleKind, parameter string) (Check, error) {
	switch kind {
	case interfaces.RuleKindRequired, interfaces.RuleKindExists:
		return PresenceCheck{kind: kind}, nil

	case interfaces.RuleKindExactValue:
		var expected any
		if err := json.Unmarshal([]byte(parameter), &expected); err != nil {
			expected = parameter
		}
		return ExactValueCheck{Expected: expected}, nil

	case interfaces.RuleKindRegex:
		pattern, err := regexp.Compile("^(?:" + parameter + ")")
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern %q: %w", parameter, err)
		}
		return RegexCheck{Pattern: pattern}, nil

	case interfaces.RuleKindRange:
		return compileRange(parameter)
	}
	return nil, fmt.Errorf("unknown validation_type %q", kind)
}

func compileRange(parameter string) (Check, error) {
	var bounds map[string]any
	if err := json.Unmarshal([]byte(parameter), &bounds); err != nil || bounds == nil {
		return nil, fmt.Errorf("range parameter must be a JSON object with min/max, got %q", parameter)
	}

	var c RangeCheck
	for name, target := range map[string]**float64{"min": &c.Min, "max": &c.Max} {
		raw, ok := bounds[name]
		if !ok || raw == nil {
			continue
		}
		n, ok := toNumber(raw)
		if !ok {
			return nil, fmt.Errorf("range %s bound %v is not numeric", name, raw)
		}
		*target = &n
	}
	return c, nil
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// stringify renders non-string values for regex matching. Numbers use their
// shortest decimal form and documents their JSON encoding.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "null"
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(raw)
}
