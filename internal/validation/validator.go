package validation

import "github.com/kastel/remedia/pkg/schema"

// Validator checks procedure and worker task documents before they are
// stored or executed.
type Validator interface {
	ValidateProcedure(p *schema.Procedure) error
	ValidateTask(t *schema.WorkerTask) error
}
