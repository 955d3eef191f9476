package tool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/internal/util"
)

// Func is the implementation signature wrapped by a FunctionTool. The
// arguments have already been validated against the declared schema.
type Func func(ctx context.Context, args map[string]any, inv Invocation) (any, error)

// FunctionTool is a generic adapter that exposes a plain Go function as a
// crewflow tool.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter specification
//   - Validates model supplied arguments against that schema before execution
//   - Emits the wrapped function's result as a single tool_end event, or an
//     error event when the function fails
//   - Normalizes error handling so consumers observe *ToolError with
//     consistent codes:
//     VALIDATION_ERROR  -> schema / argument mismatch
//     EXECUTION_ERROR   -> underlying function returned an error (non-ToolError)
//     (custom codes preserved if the function returns *ToolError directly)
//
// Concurrency:
//
//	A FunctionTool has no internal mutable state after construction and is
//	safe for concurrent use by multiple goroutines.
type FunctionTool struct {
	// Tool identifier (snake_case recommended)
	name string
	// Default description shown to models
	description string
	// Per-language description overrides, keyed by language code
	localized map[string]string
	// JSON schema describing accepted arguments
	parameters map[string]any
	// What the observation text contains on success
	returns string
	// User supplied implementation
	fn Func
}

// FunctionToolOption customizes a FunctionTool.
type FunctionToolOption func(*FunctionTool)

// WithLocalizedDescription adds a description override for a language code.
func WithLocalizedDescription(lang, description string) FunctionToolOption {
	return func(t *FunctionTool) { t.localized[lang] = description }
}

// WithReturnDescription documents what the tool's result text contains.
func WithReturnDescription(returns string) FunctionToolOption {
	return func(t *FunctionTool) { t.returns = returns }
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Arguments:
//
//	name        - unique tool name (avoid collisions; snake_case suggested)
//	description - concise, imperative description ("Render the …")
//	parameters  - minimal JSON-Schema-like map describing the accepted arguments
//	fn          - implementation receiving already validated args
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any, inv Invocation) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(name, description string, parameters map[string]any, fn Func, opts ...FunctionToolOption) *FunctionTool {
	t := &FunctionTool{
		name:        name,
		description: description,
		localized:   make(map[string]string),
		parameters:  parameters,
		fn:          fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection. It is a convenience for simple argument containers and produces
// a schema equivalent to util.CreateSchema(structType).
func NewFunctionToolFromStruct(name, description string, structType any, fn Func, opts ...FunctionToolOption) *FunctionTool {
	schema := util.CreateSchema(structType)
	return NewFunctionTool(name, description, schema, fn, opts...)
}

// Name returns the unique tool name used in action dispatch.
func (t *FunctionTool) Name() string { return t.name }

// Metadata returns the tool's description for the given language, falling
// back to the default description when no localization exists.
func (t *FunctionTool) Metadata(lang string) Metadata {
	description := t.description
	if localized, ok := t.localized[lang]; ok {
		description = localized
	}
	return Metadata{
		Name:              t.name,
		Description:       description,
		Parameters:        specsFromSchema(t.parameters),
		ReturnDescription: t.returns,
	}
}

// Execute validates the provided args against the declared schema then runs
// the underlying function on its own goroutine. The returned stream carries
// exactly one event: a tool_end on success or an error event on failure.
//
// Error Semantics:
//
//	*ToolError (returned directly)  -> forwarded unchanged
//	validation failure              -> *ToolError{Code: "VALIDATION_ERROR"}
//	other error                     -> *ToolError{Code: "EXECUTION_ERROR"}
func (t *FunctionTool) Execute(ctx context.Context, params map[string]any, inv Invocation) (<-chan core.AgentEvent, error) {
	logger := inv.logger()

	if err := util.ValidateParameters(params, t.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    "VALIDATION_ERROR",
			Details: err,
		}
	}

	out := make(chan core.AgentEvent, 1)

	go func() {
		defer close(out)

		start := time.Now()
		result, err := t.fn(ctx, params, inv)
		if err != nil {
			toolErr, ok := err.(*ToolError)
			if !ok {
				toolErr = &ToolError{Tool: t.name, Message: err.Error(), Code: "EXECUTION_ERROR"}
			}
			logger.Error("tool.call.error", "tool", t.name, "error", toolErr.Message)

			out <- inv.Event(core.EventError, core.ErrorContent{
				ContentMeta: core.NewMeta(core.StatusFailed),
				Message:     toolErr.Message,
				ErrorType:   toolErr.Code,
				Details:     fmt.Sprintf("%+v", toolErr),
			})
			return
		}

		logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())

		out <- inv.Event(core.EventToolEnd, core.ToolResponseContent{
			ContentMeta: core.NewMeta(core.StatusCompleted),
			Tool:        t.name,
			Result:      stringifyResult(result),
		})
	}()

	return out, nil
}

// specsFromSchema flattens a JSON-Schema-like object map into parameter
// specs, sorted by name for deterministic prompt rendering.
func specsFromSchema(schema map[string]any) []ParameterSpec {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	required := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []string:
		for _, name := range req {
			required[name] = true
		}
	case []any:
		for _, v := range req {
			if name, ok := v.(string); ok {
				required[name] = true
			}
		}
	}

	specs := make([]ParameterSpec, 0, len(props))
	for name, raw := range props {
		spec := ParameterSpec{Name: name, Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			spec.Type, _ = prop["type"].(string)
			spec.Description, _ = prop["description"].(string)
			spec.Default = prop["default"]
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
