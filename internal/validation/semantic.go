package validation

import (
	"fmt"
	"strings"

	"github.com/kastel/remedia/pkg/schema"
)

// checkProcedureSemantics enforces the rules JSON Schema cannot express:
// whitespace-only text fields read as empty.
func checkProcedureSemantics(p *schema.Procedure) error {
	if strings.TrimSpace(p.Title) == "" {
		return schema.NewError(schema.ErrCodeValidation, "procedure title is blank")
	}
	if strings.TrimSpace(p.Issue) == "" {
		return schema.NewError(schema.ErrCodeValidation, "procedure issue is blank")
	}
	for i, step := range p.Steps {
		if strings.TrimSpace(step.Description) == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d has a blank description", i+1)
		}
	}
	return nil
}

// checkTaskSemantics enforces parameter rules beyond the schema:
// unique names and engine-prefixed extraction expressions.
func checkTaskSemantics(t *schema.WorkerTask) error {
	if strings.TrimSpace(t.Name) == "" {
		return schema.NewError(schema.ErrCodeValidation, "task name is blank")
	}
	if strings.TrimSpace(t.Content) == "" {
		return schema.NewError(schema.ErrCodeValidation, "task content is blank")
	}

	seen := make(map[string]struct{}, len(t.Params))
	for _, param := range t.Params {
		name := strings.TrimSpace(param.Name)
		if name == "" {
			return schema.NewError(schema.ErrCodeValidation, "parameter name is blank")
		}
		if _, dup := seen[name]; dup {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate parameter %q", name))
		}
		seen[name] = struct{}{}

		if param.Extract != "" {
			engine, expr, ok := strings.Cut(param.Extract, ":")
			if !ok || engine == "" || expr == "" {
				return schema.NewError(schema.ErrCodeValidation,
					fmt.Sprintf("parameter %q extraction expression is not engine-prefixed (want e.g. \"jq:.host\")", name))
			}
		}
	}
	return nil
}
