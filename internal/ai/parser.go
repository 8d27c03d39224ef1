package ai

import (
	"strings"

	"github.com/kastel/remedia/pkg/schema"
)

// ParseDocument parses a plain-text procedure document.
//
// Format: first non-empty line is the title, second is the issue, each
// following line is a step. A step line may name its tool after a "->"
// separator:
//
//	Restart the web server -> restart-service
func ParseDocument(raw string) (*schema.ParsedDocument, error) {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) < 2 {
		return nil, schema.NewError(schema.ErrCodeValidation, "document needs at least a title and an issue line")
	}

	doc := &schema.ParsedDocument{
		Title: lines[0],
		Issue: lines[1],
	}
	for _, line := range lines[2:] {
		step := schema.PlannedStep{Description: line}
		if desc, tool, found := strings.Cut(line, "->"); found {
			step.Description = strings.TrimSpace(desc)
			step.Tool = strings.TrimSpace(tool)
		}
		doc.Steps = append(doc.Steps, step)
	}
	return doc, nil
}
