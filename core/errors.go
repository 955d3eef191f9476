package core

import "fmt"

// ValidationError reports a missing or invalid parameter / field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return "validation error: " + e.Message
}

// ToolNotFoundError indicates a dispatch request for an unregistered tool.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string { return "tool not found: " + e.Tool }

// SkillNotFoundError indicates an execute_skill action naming an unknown skill.
type SkillNotFoundError struct {
	Skill string
}

func (e *SkillNotFoundError) Error() string { return "skill not found: " + e.Skill }

// WorkspaceError indicates a missing or unusable execution context
// (project directory, script root, persistence directory).
type WorkspaceError struct {
	Path    string
	Message string
}

func (e *WorkspaceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("workspace error at %s: %s", e.Path, e.Message)
	}
	return "workspace error: " + e.Message
}

// CheckpointError indicates a resume attempt with no usable saved state.
type CheckpointError struct {
	RunID   string
	Message string
}

func (e *CheckpointError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("checkpoint error for run %s: %s", e.RunID, e.Message)
	}
	return "checkpoint error: " + e.Message
}

// ExecError wraps an arbitrary execution failure, capturing the error's type
// name and verbose representation so it can travel through the event stream
// as details without losing information.
type ExecError struct {
	Message  string
	TypeName string
	Details  string
	Wrapped  error
}

func (e *ExecError) Error() string { return e.Message }

func (e *ExecError) Unwrap() error { return e.Wrapped }

// NewExecError captures err for event-stream transport.
func NewExecError(err error) *ExecError {
	return &ExecError{
		Message:  err.Error(),
		TypeName: fmt.Sprintf("%T", err),
		Details:  fmt.Sprintf("%+v", err),
		Wrapped:  err,
	}
}

// ErrorContentFromErr builds the standard error content block for an error,
// preserving type name and verbose details.
func ErrorContentFromErr(err error) ErrorContent {
	var execErr *ExecError
	if e, ok := err.(*ExecError); ok {
		execErr = e
	} else {
		execErr = NewExecError(err)
	}
	return ErrorContent{
		ContentMeta: NewMeta(StatusFailed),
		Message:     execErr.Message,
		ErrorType:   execErr.TypeName,
		Details:     execErr.Details,
	}
}
