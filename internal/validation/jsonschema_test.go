package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastel/remedia/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validProcedure() *schema.Procedure {
	return &schema.Procedure{
		ID:    "proc-1",
		Title: "High CPU on web tier",
		Issue: "CPU above 90% on web hosts",
		Steps: []schema.ProcedureStep{
			{Description: "Identify the hot process", TaskName: "top-processes"},
			{Description: "Restart the service", Bound: map[string]string{"service": "nginx"}},
		},
	}
}

func validTask() *schema.WorkerTask {
	return &schema.WorkerTask{
		Name:    "restart-service",
		Content: "#!/bin/sh\nsystemctl restart \"$1\"\n",
		Type:    "shell",
		Params: []schema.ParamSpec{
			{Name: "service", Type: schema.ParamTypeString, Required: true, Extract: "jq:.cmdb_ci"},
			{Name: "timeout", Type: schema.ParamTypeInt, DefaultValue: "30"},
		},
	}
}

func assertValidationError(t *testing.T, err error) *schema.RemediaError {
	t.Helper()
	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
	return rerr
}

func TestValidateProcedure_OK(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateProcedure(validProcedure()))
}

func TestValidateProcedure_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *schema.Procedure)
	}{
		{"missing title", func(p *schema.Procedure) { p.Title = "" }},
		{"whitespace title", func(p *schema.Procedure) { p.Title = "   " }},
		{"missing issue", func(p *schema.Procedure) { p.Issue = "" }},
		{"no steps", func(p *schema.Procedure) { p.Steps = nil }},
		{"blank step description", func(p *schema.Procedure) { p.Steps[0].Description = "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValidator(t)
			p := validProcedure()
			tt.mutate(p)
			assertValidationError(t, v.ValidateProcedure(p))
		})
	}
}

func TestValidateProcedure_Nil(t *testing.T) {
	v := newValidator(t)
	assertValidationError(t, v.ValidateProcedure(nil))
}

func TestValidateTask_OK(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateTask(validTask()))
}

func TestValidateTask_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tk *schema.WorkerTask)
	}{
		{"missing name", func(tk *schema.WorkerTask) { tk.Name = "" }},
		{"missing content", func(tk *schema.WorkerTask) { tk.Content = "" }},
		{"whitespace content", func(tk *schema.WorkerTask) { tk.Content = " \n " }},
		{"unknown task type", func(tk *schema.WorkerTask) { tk.Type = "python" }},
		{"unknown param type", func(tk *schema.WorkerTask) { tk.Params[0].Type = "tuple" }},
		{"duplicate param", func(tk *schema.WorkerTask) { tk.Params[1].Name = "service" }},
		{"unprefixed extraction", func(tk *schema.WorkerTask) { tk.Params[0].Extract = ".cmdb_ci" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValidator(t)
			tk := validTask()
			tt.mutate(tk)
			assertValidationError(t, v.ValidateTask(tk))
		})
	}
}

func TestValidationError_CarriesViolations(t *testing.T) {
	v := newValidator(t)
	p := validProcedure()
	p.Title = ""
	p.Issue = ""

	rerr := assertValidationError(t, v.ValidateProcedure(p))
	require.NotNil(t, rerr.Details)
	violations, ok := rerr.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}
