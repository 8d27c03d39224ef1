package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kastel/remedia/pkg/schema"
)

// Extractor pulls parameter values out of incident data with the model.
type Extractor struct {
	client *Client
}

// NewExtractor creates an extractor over the client.
func NewExtractor(client *Client) *Extractor {
	return &Extractor{client: client}
}

const extractPromptTemplate = `You are an AI assistant helping to extract task parameters from incident data.
Always produce valid JSON as output — no explanations, no extra text.

Incident Data:
%s

Parameters to Extract:
%s

Extraction Rules:
1. Carefully analyze the incident data (short_description, description, cmdb_ci, business_service, notes).
2. For each parameter:
- If the value is explicitly mentioned, extract it exactly.
- If the value can be inferred (e.g., hostname, port, service name), infer it from the incident context.
- If required and not available, return null (never invent random values).
3. Respect the parameter type: string, int, bool, float, file.
4. Do not include extra keys, comments, or explanations in the output.
5. If you are unsure, set the value to null.

Output Format (strict JSON only):
{
"param_name_1": value1,
"param_name_2": value2
}`

// ExtractParameters asks the model for values of the given specs. Nulls
// and unmentioned parameters are simply absent from the result; the
// caller backfills defaults through the usual resolution order.
func (e *Extractor) ExtractParameters(ctx context.Context, inc *schema.Incident, specs []schema.ParamSpec) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	incidentJSON, err := json.MarshalIndent(inc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal incident: %w", err)
	}

	var wanted []string
	for _, p := range specs {
		wanted = append(wanted, fmt.Sprintf("param_name: %q, type: %q, required: %q",
			p.Name, p.Type, strconv.FormatBool(p.Required)))
	}

	prompt := fmt.Sprintf(extractPromptTemplate, incidentJSON, strings.Join(wanted, "\n"))

	raw := map[string]any{}
	if err := e.client.CompleteJSON(ctx, prompt, &raw); err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for _, p := range specs {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			continue
		}
		if s := stringify(v); s != "" {
			values[p.Name] = s
		}
	}
	return values, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
