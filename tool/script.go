package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/logging"
)

const (
	defaultInterpreter   = "python3"
	defaultScriptTimeout = 5 * time.Minute

	// stderr is truncated to this many bytes when embedded in errors.
	maxStderrBytes = 4096
)

// ScriptRunner executes external scripts through an interpreter, capturing
// stdout as the tool result. Scripts run with the project root as working
// directory so relative asset paths resolve the same way regardless of
// where the script file lives.
type ScriptRunner struct {
	interpreter string
	timeout     time.Duration
	logger      logging.Logger
}

// ScriptRunnerOption customizes a ScriptRunner.
type ScriptRunnerOption func(*ScriptRunner)

// WithInterpreter overrides the interpreter binary (default "python3").
func WithInterpreter(interpreter string) ScriptRunnerOption {
	return func(r *ScriptRunner) { r.interpreter = interpreter }
}

// WithScriptTimeout bounds a single script execution (default 5 minutes).
func WithScriptTimeout(timeout time.Duration) ScriptRunnerOption {
	return func(r *ScriptRunner) { r.timeout = timeout }
}

// WithScriptLogger sets the logger for execution diagnostics.
func WithScriptLogger(logger logging.Logger) ScriptRunnerOption {
	return func(r *ScriptRunner) { r.logger = logger }
}

// NewScriptRunner creates a runner with the given options applied.
func NewScriptRunner(opts ...ScriptRunnerOption) *ScriptRunner {
	r := &ScriptRunner{
		interpreter: defaultInterpreter,
		timeout:     defaultScriptTimeout,
		logger:      logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProjectRoot walks up from dir looking for a project marker (crew.yaml,
// go.mod or .git). It returns dir unchanged when no marker is found, so
// scripts outside a project still run with a sensible working directory.
func ProjectRoot(dir string) string {
	current := dir
	for {
		for _, marker := range []string{"crew.yaml", "go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(current, marker)); err == nil {
				return current
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return dir
		}
		current = parent
	}
}

// ExecuteScript runs the script at path with the given arguments and returns
// its captured stdout. A non-zero exit status is returned as an error that
// includes the tail of stderr for diagnosis.
func (r *ScriptRunner) ExecuteScript(ctx context.Context, path string, args []string, inv Invocation) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &core.WorkspaceError{Path: path, Message: err.Error()}
	}
	if _, err := os.Stat(abs); err != nil {
		return "", &core.WorkspaceError{Path: abs, Message: "script not found"}
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	root := ProjectRoot(filepath.Dir(abs))

	cmd := exec.CommandContext(runCtx, r.interpreter, append([]string{abs}, args...)...)
	cmd.Dir = root
	cmd.Env = append(os.Environ(),
		"CREWFLOW_PROJECT="+inv.ProjectName,
		"CREWFLOW_RUN_ID="+inv.RunID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("script.execute", "script", abs, "dir", root, "interpreter", r.interpreter)

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			r.logger.Error("script.timeout", "script", abs, "timeout", r.timeout.String())
			return "", fmt.Errorf("script %s timed out after %s", filepath.Base(abs), r.timeout)
		}
		r.logger.Error("script.failed", "script", abs, "error", err.Error(), "duration_ms", elapsed.Milliseconds())
		return "", fmt.Errorf("script %s failed: %w%s", filepath.Base(abs), err, stderrTail(stderr.Bytes()))
	}

	r.logger.Info("script.completed", "script", abs, "duration_ms", elapsed.Milliseconds())

	return stdout.String(), nil
}

// ExecuteScriptContent writes source to a temporary file and executes it.
// The file is removed once the script exits.
func (r *ScriptRunner) ExecuteScriptContent(ctx context.Context, source string, args []string, inv Invocation) (string, error) {
	f, err := os.CreateTemp("", "crewflow-script-*.py")
	if err != nil {
		return "", &core.WorkspaceError{Path: os.TempDir(), Message: err.Error()}
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(source); err != nil {
		f.Close()
		return "", &core.WorkspaceError{Path: path, Message: err.Error()}
	}
	if err := f.Close(); err != nil {
		return "", &core.WorkspaceError{Path: path, Message: err.Error()}
	}

	return r.ExecuteScript(ctx, path, args, inv)
}

func stderrTail(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if len(b) > maxStderrBytes {
		b = b[len(b)-maxStderrBytes:]
	}
	return "\nstderr: " + strings.TrimSpace(string(b))
}

// ScriptTool exposes a fixed script file as a registry tool. The script's
// arguments are rendered from the declared parameters in order, as
// "--name=value" flags, which keeps manifest-declared script tools free of
// argument plumbing code.
type ScriptTool struct {
	name        string
	description string
	localized   map[string]string
	parameters  []ParameterSpec
	path        string
	runner      *ScriptRunner
}

// NewScriptTool wires a script path into the tool interface.
func NewScriptTool(name, description, path string, parameters []ParameterSpec, runner *ScriptRunner) *ScriptTool {
	if runner == nil {
		runner = NewScriptRunner()
	}
	return &ScriptTool{
		name:        name,
		description: description,
		localized:   make(map[string]string),
		parameters:  parameters,
		path:        path,
		runner:      runner,
	}
}

// Localize adds a description override for a language code and returns the
// tool for chaining during manifest loading.
func (t *ScriptTool) Localize(lang, description string) *ScriptTool {
	t.localized[lang] = description
	return t
}

// Name returns the tool name.
func (t *ScriptTool) Name() string { return t.name }

// Metadata returns the language-resolved tool description.
func (t *ScriptTool) Metadata(lang string) Metadata {
	description := t.description
	if localized, ok := t.localized[lang]; ok {
		description = localized
	}
	return Metadata{
		Name:        t.name,
		Description: description,
		Parameters:  t.parameters,
	}
}

// Execute runs the script with flags built from params. Missing required
// parameters fail before the script starts.
func (t *ScriptTool) Execute(ctx context.Context, params map[string]any, inv Invocation) (<-chan core.AgentEvent, error) {
	args := make([]string, 0, len(t.parameters))
	for _, spec := range t.parameters {
		v, ok := params[spec.Name]
		if !ok {
			if spec.Required {
				return nil, &ToolError{
					Tool:    t.name,
					Message: fmt.Sprintf("missing required parameter: %s", spec.Name),
					Code:    "VALIDATION_ERROR",
				}
			}
			if spec.Default == nil {
				continue
			}
			v = spec.Default
		}
		args = append(args, fmt.Sprintf("--%s=%v", spec.Name, v))
	}

	out := make(chan core.AgentEvent, 2)

	go func() {
		defer close(out)

		out <- inv.Event(core.EventToolProgress, core.ProgressContent{
			ContentMeta: core.NewMeta(core.StatusUpdating),
			Message:     fmt.Sprintf("running %s", filepath.Base(t.path)),
		})

		result, err := t.runner.ExecuteScript(ctx, t.path, args, inv)
		if err != nil {
			out <- inv.Event(core.EventError, core.ErrorContentFromErr(err))
			return
		}

		out <- inv.Event(core.EventToolEnd, core.ToolResponseContent{
			ContentMeta: core.NewMeta(core.StatusCompleted),
			Tool:        t.name,
			Result:      strings.TrimSpace(result),
		})
	}()

	return out, nil
}

// Bridge lets script processes and other out-of-loop callers invoke
// registry tools synchronously. The dispatch runs on the registry's own
// goroutine, so calling Bridge from inside a tool cannot deadlock the
// reasoning loop.
type Bridge struct {
	registry *Registry
	timeout  time.Duration
}

// NewBridge wraps a registry for synchronous access.
func NewBridge(registry *Registry, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	return &Bridge{registry: registry, timeout: timeout}
}

// CallTool executes a tool and blocks until its terminal event, returning
// the result text of the tool_end event or an error built from the error
// event.
func (b *Bridge) CallTool(ctx context.Context, name string, params map[string]any, inv Invocation) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var result string
	var callErr error

	for ev := range b.registry.Execute(callCtx, name, params, inv) {
		switch ev.EventType {
		case core.EventToolEnd:
			if resp, ok := ev.Content.(core.ToolResponseContent); ok {
				result = resp.Result
			}
		case core.EventError:
			callErr = NewToolError(name, core.ContentText(ev.Content), "EXECUTION_ERROR")
		}
	}

	if callErr != nil {
		return "", callErr
	}
	if err := callCtx.Err(); err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	return result, nil
}
