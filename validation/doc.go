// Package validation gates entity admission with user-defined rules.
//
// A rule names a dot-delimited path into the document
//
//	{"metadata": <entity metadata>, "jwks": <entity key set>}
//
// and a kind that decides what the value found there must satisfy:
//
//   - required, exists: the path resolves to a value
//   - exact_value: the value deep-equals the parameter, read as a JSON literal or else as a raw string
//   - regex: the value, as a string, matches the parameter anchored at its start
//   - range: the value, coerced to a number, lies within the {"min", "max"} parameter bounds
//
// Rule parameters are persisted as opaque text and compiled into typed checks
// when a rule is first loaded; a check is recompiled only when its kind or
// parameter changes. Engine.Evaluate applies every active rule for the entity
// type in creation order and reports every failure, so a caller sees all
// problems at once.
package validation
