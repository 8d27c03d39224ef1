package incidents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kastel/remedia/internal/ai"
	"github.com/kastel/remedia/internal/expressions"
	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/pkg/schema"
)

// relevantProcedureLimit caps how many stored procedures are folded into
// the planning prompt.
const relevantProcedureLimit = 3

// IncidentSource fetches incident records.
type IncidentSource interface {
	GetIncident(ctx context.Context, number string) (*schema.Incident, error)
}

// ProcedureSource lists stored procedure documents.
type ProcedureSource interface {
	ListProcedures(ctx context.Context) ([]*store.Procedure, error)
}

// Planner produces a remediation plan for a query.
type Planner interface {
	Plan(ctx context.Context, query string, procs []*store.Procedure) ([]schema.PlannedStep, error)
}

// TaskMatcher maps a planned tool name to the best catalog task.
// Nil result with nil error means no confident match.
type TaskMatcher interface {
	BestTask(ctx context.Context, wanted string) (*store.Task, error)
}

// ParamExtractor pulls parameter values out of incident data.
type ParamExtractor interface {
	ExtractParameters(ctx context.Context, inc *schema.Incident, specs []schema.ParamSpec) (map[string]string, error)
}

// Resolution is the outcome of resolving an incident: a plan grounded in
// a stored procedure, with each step matched to a catalog task where
// possible and its parameters pre-bound from incident data.
type Resolution struct {
	Incident       *schema.Incident      `json:"incident"`
	ProcedureTitle string                `json:"procedure_title"`
	Plan           []schema.PlannedStep  `json:"plan"`
	Steps          []schema.ResolvedStep `json:"steps"`
}

// Resolver assembles executable step sequences from incident tickets.
type Resolver struct {
	incidents  IncidentSource
	procedures ProcedureSource
	planner    Planner
	matcher    TaskMatcher
	extractor  ParamExtractor
	exprs      *expressions.Registry
	logger     *slog.Logger
}

// NewResolver wires a resolver. The extractor may be nil, in which case
// only expression rules bind values.
func NewResolver(
	incidents IncidentSource,
	procedures ProcedureSource,
	planner Planner,
	matcher TaskMatcher,
	extractor ParamExtractor,
	exprs *expressions.Registry,
	logger *slog.Logger,
) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		incidents:  incidents,
		procedures: procedures,
		planner:    planner,
		matcher:    matcher,
		extractor:  extractor,
		exprs:      exprs,
		logger:     logger,
	}
}

// Resolve fetches the incident, plans against the relevant stored
// procedures and binds parameters. A NOT_FOUND error means no stored
// procedure covers the incident.
func (r *Resolver) Resolve(ctx context.Context, number string) (*Resolution, error) {
	inc, err := r.incidents.GetIncident(ctx, number)
	if err != nil {
		return nil, err
	}
	query := strings.TrimSpace(inc.ShortDescription + " " + inc.Description)

	procs, err := r.procedures.ListProcedures(ctx)
	if err != nil {
		return nil, err
	}
	relevant := ai.SelectProcedures(query, procs, relevantProcedureLimit)
	if len(relevant) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no stored procedure covers incident %s", number)
	}

	plan, err := r.planner.Plan(ctx, query, relevant)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "planning produced no steps for incident %s", number)
	}

	res := &Resolution{
		Incident:       inc,
		ProcedureTitle: relevant[0].Title,
		Plan:           plan,
	}
	data := incidentData(inc)

	for _, planned := range plan {
		step := schema.ResolvedStep{Description: planned.Description}

		wanted := planned.Tool
		if wanted == "" {
			wanted = planned.Description
		}
		task, err := r.matcher.BestTask(ctx, wanted)
		if err != nil {
			return nil, err
		}
		if task == nil {
			// No confident match: the step stays manual.
			r.logger.Info("no catalog task for planned step",
				"incident", number, "tool", planned.Tool)
			res.Steps = append(res.Steps, step)
			continue
		}

		step.Task = &schema.TaskRef{ID: strconv.FormatInt(task.ID, 10), Name: task.Name}
		step.Params = task.Params
		step.Bound = r.bindParams(ctx, inc, data, task.Params)
		res.Steps = append(res.Steps, step)
	}
	return res, nil
}

// bindParams binds values for the given specs: expression rules first,
// the model for whatever is left.
func (r *Resolver) bindParams(ctx context.Context, inc *schema.Incident, data map[string]any, specs []schema.ParamSpec) map[string]string {
	bound := make(map[string]string)
	var unresolved []schema.ParamSpec

	for _, spec := range specs {
		if spec.Extract == "" {
			unresolved = append(unresolved, spec)
			continue
		}
		out, err := r.exprs.EvaluatePrefixed(ctx, spec.Extract, data)
		if err != nil {
			r.logger.Warn("extraction expression failed",
				"incident", inc.Number, "param", spec.Name, "err", err)
			unresolved = append(unresolved, spec)
			continue
		}
		if v := valueString(out); v != "" {
			bound[spec.Name] = v
		} else {
			unresolved = append(unresolved, spec)
		}
	}

	if len(unresolved) == 0 || r.extractor == nil {
		return bound
	}
	extracted, err := r.extractor.ExtractParameters(ctx, inc, unresolved)
	if err != nil {
		// A failed extraction never blocks resolution; the missing
		// values surface at pre-flight instead.
		r.logger.Warn("model parameter extraction failed", "incident", inc.Number, "err", err)
		return bound
	}
	for name, v := range extracted {
		if _, taken := bound[name]; !taken && v != "" {
			bound[name] = v
		}
	}
	return bound
}

// incidentData flattens the incident into the shape extraction
// expressions evaluate against.
func incidentData(inc *schema.Incident) map[string]any {
	raw, err := json.Marshal(inc)
	if err != nil {
		return map[string]any{}
	}
	data := map[string]any{}
	_ = json.Unmarshal(raw, &data)
	return data
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
