package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmeto/crewflow/core"
)

func testInvocation() Invocation {
	return Invocation{
		ProjectName: "demo",
		ReactType:   "crew_member",
		RunID:       "run-1",
		StepID:      1,
		SenderID:    "director",
		SenderName:  "Director",
	}
}

func collect(ch <-chan core.AgentEvent) []core.AgentEvent {
	var events []core.AgentEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func sumTool() *FunctionTool {
	return NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(ctx context.Context, args map[string]any, inv Invocation) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)
}

// -------------------- Registry Tests --------------------

func TestRegistry_Execute_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(sumTool()))

	events := collect(reg.Execute(context.Background(), "calculate_sum",
		map[string]any{"a": 2.0, "b": 3.0}, testInvocation()))

	require.Len(t, events, 2)
	assert.Equal(t, core.EventToolStart, events[0].EventType)
	assert.Equal(t, core.EventToolEnd, events[1].EventType)

	resp, ok := events[1].Content.(core.ToolResponseContent)
	require.True(t, ok)
	assert.Equal(t, "calculate_sum", resp.Tool)
	assert.Equal(t, "5", resp.Result)
}

func TestRegistry_Execute_UnknownTool(t *testing.T) {
	reg := NewRegistry()

	events := collect(reg.Execute(context.Background(), "missing", nil, testInvocation()))

	require.Len(t, events, 2)
	assert.Equal(t, core.EventToolStart, events[0].EventType)
	assert.Equal(t, core.EventError, events[1].EventType)
	assert.Contains(t, core.ContentText(events[1].Content), "missing")
}

func TestRegistry_Execute_ValidationFailure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(sumTool()))

	events := collect(reg.Execute(context.Background(), "calculate_sum",
		map[string]any{"a": 2.0}, testInvocation()))

	require.Len(t, events, 2)
	assert.Equal(t, core.EventToolStart, events[0].EventType)
	assert.Equal(t, core.EventError, events[1].EventType)
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(sumTool()))
	assert.Error(t, reg.Register(sumTool()))
}

func TestRegistry_Describe(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewFunctionTool("zeta", "last", nil, nil)))
	require.NoError(t, reg.Register(NewFunctionTool("alpha", "first", nil, nil)))

	metas := reg.Describe("en")
	require.Len(t, metas, 2)
	assert.Equal(t, "alpha", metas[0].Name)
	assert.Equal(t, "zeta", metas[1].Name)
}

// -------------------- FunctionTool Tests --------------------

func TestFunctionTool_ExecutionError(t *testing.T) {
	tl := NewFunctionTool("boom", "Always fails", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any, inv Invocation) (any, error) {
			return nil, errors.New("kaboom")
		},
	)

	events, err := tl.Execute(context.Background(), map[string]any{}, testInvocation())
	require.NoError(t, err)

	got := collect(events)
	require.Len(t, got, 1)
	assert.Equal(t, core.EventError, got[0].EventType)

	ec, ok := got[0].Content.(core.ErrorContent)
	require.True(t, ok)
	assert.Equal(t, "kaboom", ec.Message)
	assert.Equal(t, "EXECUTION_ERROR", ec.ErrorType)
}

func TestFunctionTool_ToolErrorPassthrough(t *testing.T) {
	tl := NewFunctionTool("quota", "Fails with a custom code", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any, inv Invocation) (any, error) {
			return nil, NewToolError("quota", "limit exceeded", "QUOTA_EXCEEDED")
		},
	)

	events, err := tl.Execute(context.Background(), map[string]any{}, testInvocation())
	require.NoError(t, err)

	got := collect(events)
	require.Len(t, got, 1)
	ec, ok := got[0].Content.(core.ErrorContent)
	require.True(t, ok)
	assert.Equal(t, "QUOTA_EXCEEDED", ec.ErrorType)
}

func TestFunctionTool_LocalizedMetadata(t *testing.T) {
	tl := NewFunctionTool("greet", "Say hello", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "Who to greet"},
		},
		"required": []any{"name"},
	}, nil,
		WithLocalizedDescription("zh", "打招呼"),
		WithReturnDescription("The greeting text"),
	)

	en := tl.Metadata("en")
	assert.Equal(t, "Say hello", en.Description)
	assert.Equal(t, "The greeting text", en.ReturnDescription)
	require.Len(t, en.Parameters, 1)
	assert.Equal(t, "name", en.Parameters[0].Name)
	assert.True(t, en.Parameters[0].Required)

	zh := tl.Metadata("zh")
	assert.Equal(t, "打招呼", zh.Description)

	// Unknown language falls back to the default description.
	fr := tl.Metadata("fr")
	assert.Equal(t, "Say hello", fr.Description)
}

func TestFunctionTool_FromStruct(t *testing.T) {
	type args struct {
		City string `json:"city" description:"City name"`
	}
	tl := NewFunctionToolFromStruct("weather", "Look up weather", args{},
		func(ctx context.Context, a map[string]any, inv Invocation) (any, error) {
			return "sunny in " + a["city"].(string), nil
		},
	)

	meta := tl.Metadata("en")
	require.Len(t, meta.Parameters, 1)
	assert.Equal(t, "city", meta.Parameters[0].Name)

	events, err := tl.Execute(context.Background(), map[string]any{"city": "Oslo"}, testInvocation())
	require.NoError(t, err)
	got := collect(events)
	require.Len(t, got, 1)
	assert.Equal(t, "sunny in Oslo", got[0].Content.(core.ToolResponseContent).Result)
}

// -------------------- Script Tests --------------------

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestScriptRunner_ExecuteScript(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "hello.sh", "echo hello from $CREWFLOW_PROJECT\n")

	runner := NewScriptRunner(WithInterpreter("sh"), WithScriptTimeout(10*time.Second))
	out, err := runner.ExecuteScript(context.Background(), path, nil, testInvocation())
	require.NoError(t, err)
	assert.Equal(t, "hello from demo\n", out)
}

func TestScriptRunner_ScriptNotFound(t *testing.T) {
	runner := NewScriptRunner(WithInterpreter("sh"))
	_, err := runner.ExecuteScript(context.Background(), "/nonexistent/script.sh", nil, testInvocation())
	require.Error(t, err)
	var wsErr *core.WorkspaceError
	assert.ErrorAs(t, err, &wsErr)
}

func TestScriptRunner_FailureIncludesStderr(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "fail.sh", "echo boom >&2\nexit 3\n")

	runner := NewScriptRunner(WithInterpreter("sh"))
	_, err := runner.ExecuteScript(context.Background(), path, nil, testInvocation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestScriptRunner_ExecuteScriptContent(t *testing.T) {
	runner := NewScriptRunner(WithInterpreter("sh"))
	out, err := runner.ExecuteScriptContent(context.Background(), "echo inline\n", nil, testInvocation())
	require.NoError(t, err)
	assert.Equal(t, "inline\n", out)
}

func TestProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "crew.yaml"), []byte("crew: {}\n"), 0o644))
	nested := filepath.Join(root, "skills", "render")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	assert.Equal(t, root, ProjectRoot(nested))

	// No marker anywhere under the temp dir: the start dir is returned.
	bare := t.TempDir()
	assert.Equal(t, bare, ProjectRoot(bare))
}

func TestScriptTool_Execute(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "shot.sh", `echo "rendered $1"`+"\n")

	runner := NewScriptRunner(WithInterpreter("sh"))
	tl := NewScriptTool("render_shot", "Render a shot", path,
		[]ParameterSpec{{Name: "shot", Type: "string", Required: true}}, runner)

	events, err := tl.Execute(context.Background(), map[string]any{"shot": "s01"}, testInvocation())
	require.NoError(t, err)

	got := collect(events)
	require.Len(t, got, 2)
	assert.Equal(t, core.EventToolProgress, got[0].EventType)
	assert.Equal(t, core.EventToolEnd, got[1].EventType)
	assert.Equal(t, "rendered --shot=s01", got[1].Content.(core.ToolResponseContent).Result)
}

func TestScriptTool_MissingRequiredParameter(t *testing.T) {
	tl := NewScriptTool("render_shot", "Render a shot", "/tmp/none.sh",
		[]ParameterSpec{{Name: "shot", Type: "string", Required: true}}, nil)

	_, err := tl.Execute(context.Background(), map[string]any{}, testInvocation())
	require.Error(t, err)
	toolErr, ok := err.(*ToolError)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
}

// -------------------- Bridge Tests --------------------

func TestBridge_CallTool(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(sumTool()))

	bridge := NewBridge(reg, 5*time.Second)
	out, err := bridge.CallTool(context.Background(), "calculate_sum",
		map[string]any{"a": 1.0, "b": 2.0}, testInvocation())
	require.NoError(t, err)
	assert.Equal(t, "3", out)
}

func TestBridge_CallTool_Error(t *testing.T) {
	reg := NewRegistry()

	bridge := NewBridge(reg, 5*time.Second)
	_, err := bridge.CallTool(context.Background(), "missing", nil, testInvocation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
