// Package tool implements the capability dispatch subsystem that lets crew
// members invoke structured tools (APIs, computations, external scripts) with
// schema validated arguments, uniform event streaming and rich metadata for
// LLM guidance.
//
// Every execution, successful or not, is observable as a stream of
// core.AgentEvent values: a tool_start event is emitted before dispatch,
// the tool itself may emit tool_progress events while it works, and the
// stream always terminates with either a tool_end or an error event.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/logging"
)

// Tool defines the interface for extending crew member capabilities with
// external functions.
//
// Tools are registered with a Registry and invoked by name. Instead of
// returning a single value, a tool yields a channel of events so that
// long-running work (script execution, media generation, nested skills)
// can report progress incrementally while the reasoning loop stays
// responsive.
//
// Tool implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Declare their parameters through Metadata so models and manifests
//     can discover them
//   - Terminate their event stream with exactly one tool_end or error event
//   - Be safe for concurrent use by multiple goroutines
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Metadata returns the tool's descriptive metadata for the given
	// language code ("en", "zh", ...). Unknown languages fall back to the
	// default description.
	Metadata(lang string) Metadata

	// Execute runs the tool with already-parsed arguments. The returned
	// channel is closed once the tool has emitted its terminal event.
	// A non-nil error means the tool could not start at all; the caller
	// converts it into an error event.
	Execute(ctx context.Context, params map[string]any, inv Invocation) (<-chan core.AgentEvent, error)
}

// ParameterSpec describes a single tool parameter for model prompting and
// manifest rendering.
type ParameterSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Metadata is the language-resolved description of a tool.
type Metadata struct {
	Name              string          `json:"name" yaml:"name"`
	Description       string          `json:"description" yaml:"description"`
	Parameters        []ParameterSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ReturnDescription string          `json:"return_description,omitempty" yaml:"return_description,omitempty"`
}

// Invocation carries the caller identity for a single tool execution. Its
// fields map directly onto the core.Sender of every event the execution
// emits, so downstream consumers can attribute tool output to the run and
// step that triggered it.
type Invocation struct {
	ProjectName string
	ReactType   string
	RunID       string
	StepID      int
	SenderID    string
	SenderName  string

	// Logger receives diagnostic output during execution. Nil means no-op.
	Logger logging.Logger
}

// Sender returns the event sender identity for this invocation.
func (inv Invocation) Sender() core.Sender {
	return core.Sender{
		ProjectName: inv.ProjectName,
		ReactType:   inv.ReactType,
		RunID:       inv.RunID,
		StepID:      inv.StepID,
		SenderID:    inv.SenderID,
		SenderName:  inv.SenderName,
	}
}

// Event builds an event attributed to this invocation's sender.
func (inv Invocation) Event(t core.EventType, content core.Content) core.AgentEvent {
	return core.MustAgentEvent(t, inv.Sender(), content)
}

func (inv Invocation) logger() logging.Logger {
	if inv.Logger == nil {
		return logging.NoOpLogger{}
	}
	return inv.Logger
}

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// stringifyResult renders an arbitrary tool result as the observation text
// fed back into the reasoning loop. Strings pass through unchanged, other
// values are JSON encoded.
func stringifyResult(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case error:
		return r.Error()
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(b)
	}
}
