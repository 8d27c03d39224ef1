package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/kastel/remedia/internal/assist"
	"github.com/kastel/remedia/pkg/schema"
)

// TaskDrafter drafts a worker task definition for a step that has no
// catalog match. Drafts are for operator review only.
type TaskDrafter struct {
	client *Client
}

// NewTaskDrafter creates a drafter over the client.
func NewTaskDrafter(client *Client) *TaskDrafter {
	return &TaskDrafter{client: client}
}

var _ assist.Generator = (*TaskDrafter)(nil)

const draftPromptTemplate = `You are an SRE automation assistant. Write a POSIX shell script that
implements one step of a remediation procedure.

Procedure: %q
Issue: %q
All steps:
%s
Target step: %q

Script requirements:
- Parameters arrive as positional arguments ($1, $2, ...) in the declared order.
- Exit 0 on success, non-zero on failure.
- Print a short human-readable result to stdout.

Respond with valid JSON only:
{
  "name": "kebab-case-task-name",
  "content": "#!/bin/sh\n...",
  "params": [
    {"name": "string", "type": "string|int|bool|float|file", "required": true, "default_value": ""}
  ]
}`

// Generate drafts a task for the target step description.
func (d *TaskDrafter) Generate(ctx context.Context, req assist.GenerateRequest) (*schema.DraftTask, error) {
	var steps strings.Builder
	for i, desc := range req.AllStepDescriptions {
		fmt.Fprintf(&steps, "%d. %s\n", i+1, desc)
	}
	prompt := fmt.Sprintf(draftPromptTemplate, req.Title, req.Issue, steps.String(), req.TargetDescription)

	draft := &schema.DraftTask{}
	if err := d.client.CompleteJSON(ctx, prompt, draft); err != nil {
		return nil, err
	}
	if draft.Name == "" || draft.Content == "" {
		return nil, schema.NewError(schema.ErrCodeExternal, "model returned an incomplete task draft")
	}
	return draft, nil
}

// ProcedureGenerator turns free-form issue text into a procedure
// outline, asking clarification questions when the text is too thin.
type ProcedureGenerator struct {
	client *Client
}

// NewProcedureGenerator creates a generator over the client.
func NewProcedureGenerator(client *Client) *ProcedureGenerator {
	return &ProcedureGenerator{client: client}
}

const generatePromptTemplate = `You are an SRE knowledge engineer. From the text below, produce a
remediation procedure: a title, a one-line issue statement, and an
ordered list of concrete steps. If the text is too vague to produce
actionable steps, ask clarification questions instead.
%s
Text:
%s

Respond with valid JSON only, in exactly one of the two shapes:
{"clarification_needed": true, "questions": ["..."]}
or
{"generated": true, "title": "...", "issue": "...", "steps": [{"description": "...", "tool": ""}]}`

// Generate produces a procedure outline or clarification questions.
// Answers from a previous clarification round are folded into the prompt.
func (g *ProcedureGenerator) Generate(ctx context.Context, text string, answers []string) (*schema.GenerationResult, error) {
	var answerBlock string
	if len(answers) > 0 {
		answerBlock = "\nOperator answers to your previous questions:\n- " + strings.Join(answers, "\n- ") + "\n"
	}
	prompt := fmt.Sprintf(generatePromptTemplate, answerBlock, text)

	result := &schema.GenerationResult{}
	if err := g.client.CompleteJSON(ctx, prompt, result); err != nil {
		return nil, err
	}
	if !result.ClarificationNeeded && !result.Generated {
		return nil, schema.NewError(schema.ErrCodeExternal, "model returned neither questions nor a procedure")
	}
	if result.Generated && (result.Title == "" || len(result.Steps) == 0) {
		return nil, schema.NewError(schema.ErrCodeExternal, "model returned an incomplete procedure")
	}
	return result, nil
}
