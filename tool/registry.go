package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/logging"
)

// Registry holds the tools available to a crew member and dispatches
// executions by name as uniform event streams.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for dispatch diagnostics.
func WithRegistryLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the registry. Registering a second tool under an
// already taken name is rejected so manifest typos surface early.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return &core.ValidationError{Field: "name", Message: "tool name must not be empty"}
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t

	r.logger.Debug("tool.registered", "tool", name)

	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the metadata of every registered tool for the given
// language, sorted by tool name. Used when rendering the system prompt.
func (r *Registry) Describe(lang string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metas := make([]Metadata, 0, len(r.tools))
	for _, t := range r.tools {
		metas = append(metas, t.Metadata(lang))
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas
}

// Execute dispatches a tool by name and returns its event stream.
//
// The stream always starts with a tool_start event, regardless of whether
// the tool exists, and always terminates with exactly one tool_end or
// error event before the channel closes. Failures never surface as Go
// errors to the caller; they become error events so the reasoning loop can
// feed them back to the model as observations.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, inv Invocation) <-chan core.AgentEvent {
	out := make(chan core.AgentEvent, 8)

	go func() {
		defer close(out)

		logger := inv.logger()

		emit := func(ev core.AgentEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("tool.execute.panic", "tool", name, "panic", rec)
				emit(inv.Event(core.EventError, core.ErrorContent{
					ContentMeta: core.NewMeta(core.StatusFailed),
					Message:     fmt.Sprintf("tool %s panicked: %v", name, rec),
					ErrorType:   "panic",
				}))
			}
		}()

		emit(inv.Event(core.EventToolStart, core.ToolCallContent{
			ContentMeta: core.NewMeta(core.StatusCreating),
			Tool:        name,
			Params:      params,
		}))

		t, ok := r.Get(name)
		if !ok {
			err := &core.ToolNotFoundError{Tool: name}
			logger.Warn("tool.execute.unknown", "tool", name)
			emit(inv.Event(core.EventError, core.ErrorContentFromErr(err)))
			return
		}

		logger.Debug("tool.execute.start", "tool", name)

		events, err := t.Execute(ctx, params, inv)
		if err != nil {
			logger.Error("tool.execute.error", "tool", name, "error", err.Error())
			emit(inv.Event(core.EventError, core.ErrorContentFromErr(err)))
			return
		}

		terminal := false
		for ev := range events {
			if ev.IsTerminal() || ev.EventType == core.EventToolEnd {
				terminal = true
			}
			emit(ev)
		}

		// A tool that closes its stream without a terminal event would
		// leave the loop with no observation, so close it out here.
		if !terminal {
			emit(inv.Event(core.EventToolEnd, core.ToolResponseContent{
				ContentMeta: core.NewMeta(core.StatusCompleted),
				Tool:        name,
				Result:      "",
			}))
		}
	}()

	return out
}
