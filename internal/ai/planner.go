package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/pkg/schema"
)

// Planner turns an incident query plus relevant procedure documents into
// an ordered remediation plan.
type Planner struct {
	client *Client
}

// NewPlanner creates a planner over the client.
func NewPlanner(client *Client) *Planner {
	return &Planner{client: client}
}

const planPromptTemplate = `You are an AI assistant acting as an Incident Resolution Manager.
Task: Convert a query + procedure context into a JSON plan with actionable steps.

Query: %q
Context:
%s
Response MUST be valid JSON:
{
  "steps": [
    {"description": "string", "tool": "string"},
    ...
  ]
}
Do not include any comments in the json.`

// Plan generates planned steps for the query grounded in the given
// procedures. An empty plan is a valid outcome.
func (p *Planner) Plan(ctx context.Context, query string, procs []*store.Procedure) ([]schema.PlannedStep, error) {
	prompt := fmt.Sprintf(planPromptTemplate, query, procedureContext(procs))

	var out struct {
		Steps []schema.PlannedStep `json:"steps"`
	}
	if err := p.client.CompleteJSON(ctx, prompt, &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// SelectProcedures picks the stored procedures relevant to the query,
// scored by title and issue similarity, best first.
func SelectProcedures(query string, procs []*store.Procedure, limit int) []*store.Procedure {
	type scored struct {
		proc  *store.Procedure
		score float64
	}
	var candidates []scored
	for _, proc := range procs {
		score := Similarity(proc.Title, query)
		if s := Similarity(proc.Issue, query); s > score {
			score = s
		}
		if score >= MatchThreshold {
			candidates = append(candidates, scored{proc, score})
		}
	}
	// Insertion sort: candidate lists are tiny.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*store.Procedure, len(candidates))
	for i, c := range candidates {
		out[i] = c.proc
	}
	return out
}

func procedureContext(procs []*store.Procedure) string {
	var b strings.Builder
	for i, proc := range procs {
		fmt.Fprintf(&b, "Context Document %d:\nTitle: %s\nIssue: %s\nSteps:\n", i+1, proc.Title, proc.Issue)
		for _, step := range proc.Steps {
			tool := step.TaskName
			if tool == "" {
				tool = "N/A"
			}
			fmt.Fprintf(&b, "- %s (Tool: %s)\n", step.Description, tool)
		}
		b.WriteString("\n")
	}
	return b.String()
}
