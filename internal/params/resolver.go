// Package params decides effective parameter values for step execution.
//
// Pure policy, no side effects: a bound value wins over the spec default,
// and a required parameter with neither blocks execution. All values are
// carried as strings; type coercion is the executor's concern.
package params

import (
	"strings"

	"github.com/kastel/remedia/pkg/schema"
)

// EffectiveValue returns the value a parameter resolves to and whether it
// resolved at all. Empty strings count as missing on both sides.
func EffectiveValue(spec schema.ParamSpec, bound map[string]string) (string, bool) {
	if v, ok := bound[spec.Name]; ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	if strings.TrimSpace(spec.DefaultValue) != "" {
		return spec.DefaultValue, true
	}
	return "", false
}

// FirstMissingRequired scans the step's specs in declared order and returns
// the first required spec whose effective value is missing, or nil.
func FirstMissingRequired(step schema.Step) *schema.ParamSpec {
	for i := range step.Params {
		spec := step.Params[i]
		if !spec.Required {
			continue
		}
		if _, ok := EffectiveValue(spec, step.Bound); !ok {
			return &spec
		}
	}
	return nil
}

// Resolve builds the effective parameter map for dispatch. Parameters that
// do not resolve are omitted entirely; missing placeholders are never
// handed to the executor. Callers must reject execution beforehand when
// FirstMissingRequired is non-nil.
func Resolve(step schema.Step) map[string]string {
	out := make(map[string]string, len(step.Params))
	for _, spec := range step.Params {
		if v, ok := EffectiveValue(spec, step.Bound); ok {
			out[spec.Name] = v
		}
	}
	return out
}
