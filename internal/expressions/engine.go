package expressions

import (
	"context"
	"strings"

	"github.com/kastel/remedia/pkg/schema"
)

// Engine evaluates expressions against incident and execution data.
// Three implementations: GoJQ (field extraction), Expr (derived values),
// CEL (pre-flight guard policies).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry dispatches prefixed expressions ("jq:.host", "expr:incident.port")
// to the engine named by the prefix.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry creates a registry over the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Get returns the engine with the given name.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no expression engine %q", name)
	}
	return e, nil
}

// EvaluatePrefixed splits an "engine:expression" string and evaluates it.
func (r *Registry) EvaluatePrefixed(ctx context.Context, prefixed string, data map[string]any) (any, error) {
	name, expression, ok := strings.Cut(prefixed, ":")
	if !ok || expression == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression %q is not engine-prefixed (want e.g. \"jq:.host\")", prefixed)
	}
	engine, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return engine.Evaluate(ctx, expression, data)
}
