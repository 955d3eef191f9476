// Package react implements the reasoning loop that drives one crew member
// conversation: call the model, parse an action, execute it, feed the
// observation back, repeat until a final answer or the step budget runs out.
//
// An Engine serializes its runs. While a loop is active, further ChatStream
// calls enqueue their message instead of starting a second loop; queued
// messages are drained at step boundaries and between runs. Progress is
// checkpointed off the step loop by a dedicated writer goroutine so a
// crashed process can pick up where it left off with Resume.
package react

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/llm"
	"github.com/filmeto/crewflow/logging"
	"github.com/filmeto/crewflow/tool"
)

// Status is the lifecycle state of an Engine.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusRunning       Status = "running"
	StatusWaiting       Status = "waiting"
	StatusPaused        Status = "paused"
	StatusAwaitingInput Status = "awaiting_input"
	StatusFinal         Status = "final"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further steps will run in this state.
func (s Status) Terminal() bool { return s == StatusFinal || s == StatusFailed }

// SkillResolver builds the nested engine that executes a named skill.
// Each call must return a fresh or otherwise idle engine; the parent
// forwards the child's entire event stream.
type SkillResolver interface {
	Resolve(name string) (*Engine, error)
}

// SkillResolverFunc adapts a function to the SkillResolver interface.
type SkillResolverFunc func(name string) (*Engine, error)

// Resolve calls f.
func (f SkillResolverFunc) Resolve(name string) (*Engine, error) { return f(name) }

// PromptBuilder rewrites the combined user message into the prompt that is
// appended to history. The default passes the message through unchanged.
type PromptBuilder func(message string) string

const (
	defaultMaxSteps           = 10
	defaultCheckpointInterval = 1
)

// Engine drives one conversation through bounded think/act/observe cycles.
type Engine struct {
	completer llm.Completer
	registry  *tool.Registry
	skills    SkillResolver

	projectName string
	reactType   string
	senderID    string
	senderName  string
	lang        string

	model        string
	temperature  float64
	systemPrompt string
	buildPrompt  PromptBuilder

	maxSteps           int
	checkpointInterval int
	store              CheckpointStore
	writer             *checkpointWriter

	logger logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	active  bool
	paused  bool
	pending []string
	status  Status

	// Mutated only by the run goroutine.
	runID    string
	stepID   int
	resuming bool
	messages []core.Message
	todos    []core.TaskItem
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMaxSteps bounds the number of reasoning steps per run (default 10).
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithCheckpointStore sets where run snapshots are persisted. The default
// is an in-memory store, which disables crash recovery.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithCheckpointInterval snapshots every n steps (default 1). Terminal
// transitions always snapshot regardless of the interval.
func WithCheckpointInterval(n int) Option {
	return func(e *Engine) { e.checkpointInterval = n }
}

// WithSkillResolver enables execute_skill actions.
func WithSkillResolver(resolver SkillResolver) Option {
	return func(e *Engine) { e.skills = resolver }
}

// WithPromptBuilder overrides how user messages become prompts.
func WithPromptBuilder(builder PromptBuilder) Option {
	return func(e *Engine) { e.buildPrompt = builder }
}

// WithIdentity sets the event sender identity for all emitted events.
func WithIdentity(projectName, reactType, senderID, senderName string) Option {
	return func(e *Engine) {
		e.projectName = projectName
		e.reactType = reactType
		e.senderID = senderID
		e.senderName = senderName
	}
}

// WithModel selects the model and sampling temperature for completions.
func WithModel(model string, temperature float64) Option {
	return func(e *Engine) {
		e.model = model
		e.temperature = temperature
	}
}

// WithSystemPrompt replaces the generated system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) { e.systemPrompt = prompt }
}

// WithLanguage selects the language for tool descriptions in the system
// prompt (default "en").
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.lang = lang }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an idle engine.
func New(completer llm.Completer, registry *tool.Registry, opts ...Option) *Engine {
	e := &Engine{
		completer:          completer,
		registry:           registry,
		reactType:          "crew_member",
		senderID:           "agent",
		senderName:         "Agent",
		lang:               "en",
		maxSteps:           defaultMaxSteps,
		checkpointInterval: defaultCheckpointInterval,
		logger:             logging.NoOpLogger{},
		status:             StatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = tool.NewRegistry()
	}
	if e.store == nil {
		e.store = NewMemoryCheckpointStore()
	}
	e.cond = sync.NewCond(&e.mu)
	e.writer = newCheckpointWriter(e.store, e.logger)
	return e
}

// Close flushes pending checkpoints and stops the writer goroutine. The
// engine must be idle.
func (e *Engine) Close() {
	e.writer.Close()
}

// Status returns the engine's current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// RunID returns the identifier of the current or most recent run.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// ChatStream starts a run for userMessage and returns its event stream.
//
// At most one loop is active per engine. When a run is already in flight
// the message is enqueued for that loop to drain and an already-closed
// channel is returned; the events produced for the queued message appear
// on the active run's stream.
func (e *Engine) ChatStream(ctx context.Context, userMessage string) <-chan core.AgentEvent {
	e.mu.Lock()
	if e.active {
		if userMessage != "" {
			e.pending = append(e.pending, userMessage)
			e.cond.Broadcast()
		}
		e.mu.Unlock()
		e.logger.Debug("react.enqueue", "sender", e.senderID)
		closed := make(chan core.AgentEvent)
		close(closed)
		return closed
	}
	e.active = true
	message := e.drainPendingLocked(userMessage)
	e.mu.Unlock()

	out := make(chan core.AgentEvent, 16)
	go e.runLoop(ctx, message, out)
	return out
}

// Pause suspends the loop before its next step. In-flight model and tool
// calls are not interrupted.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Unpause releases a paused loop.
func (e *Engine) Unpause() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Resume restores the most recent checkpoint and replays the run from the
// saved step. It returns *core.CheckpointError when nothing was saved.
func (e *Engine) Resume(ctx context.Context) (<-chan core.AgentEvent, error) {
	cp, err := e.store.Latest()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return nil, fmt.Errorf("cannot resume: a run is already active")
	}
	e.active = true
	e.runID = cp.RunID
	e.stepID = cp.StepID
	e.resuming = true
	e.status = StatusRunning
	e.messages = cp.Messages
	e.pending = append(e.pending, cp.PendingUserMessages...)
	e.todos = cp.TodoState
	message := e.drainPendingLocked("")
	e.mu.Unlock()

	e.logger.Info("react.resume", "run_id", cp.RunID, "step_id", cp.StepID)

	out := make(chan core.AgentEvent, 16)
	go e.runLoop(ctx, message, out)
	return out, nil
}

// drainPendingLocked combines queued messages with the newly arrived one.
// Caller holds e.mu.
func (e *Engine) drainPendingLocked(userMessage string) string {
	parts := e.pending
	e.pending = nil
	if userMessage != "" {
		parts = append(parts, userMessage)
	}
	return strings.Join(parts, "\n")
}

// runLoop executes runs until the pending queue is empty. Queued messages
// restart the loop iteratively rather than recursively.
func (e *Engine) runLoop(ctx context.Context, message string, out chan<- core.AgentEvent) {
	defer close(out)

	for {
		e.runOnce(ctx, message, out)

		e.mu.Lock()
		if len(e.pending) == 0 || ctx.Err() != nil {
			e.active = false
			e.mu.Unlock()
			return
		}
		message = e.drainPendingLocked("")
		e.mu.Unlock()
	}
}

// runOnce drives a single run to a terminal event. Every exit path clears
// through the deferred cleanup, which snapshots the final state and turns
// panics into a failed status with one error event.
func (e *Engine) runOnce(ctx context.Context, message string, out chan<- core.AgentEvent) {
	emit := func(ev core.AgentEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	e.mu.Lock()
	if !e.resuming {
		e.runID = core.NewID()
		e.stepID = 0
	}
	e.resuming = false
	e.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("react.panic", "run_id", e.runID, "panic", rec)
			e.setStatus(StatusFailed, emit)
			emit(e.event(core.EventError, core.ErrorContent{
				ContentMeta: core.NewMeta(core.StatusFailed),
				Message:     fmt.Sprintf("reasoning loop panicked: %v", rec),
				ErrorType:   "panic",
			}))
		}
		e.writer.Enqueue(e.snapshot())
		e.writer.Sync()
	}()

	if len(e.messages) == 0 {
		e.messages = append(e.messages, core.NewMessage("system", e.renderSystemPrompt()))
	}

	e.setStatus(StatusRunning, emit)

	if message != "" {
		prompt := message
		if e.buildPrompt != nil {
			prompt = e.buildPrompt(message)
		}
		emit(e.event(core.EventUserMessage, core.TextContent{
			ContentMeta: core.NewMeta(core.StatusCompleted),
			Text:        message,
		}))
		e.messages = append(e.messages, core.NewMessage("user", prompt))
	}

	startStep := e.stepID
	for step := startStep; step < e.maxSteps; step++ {
		e.stepID = step

		if !e.waitIfPaused(ctx, emit) {
			e.fail(emit, fmt.Errorf("run cancelled: %w", ctx.Err()))
			return
		}
		e.absorbQueued(emit)

		response, err := e.completer.Complete(ctx, llm.Request{
			Model:       e.model,
			Messages:    e.messages,
			Temperature: e.temperature,
		})

		var action Action
		if err != nil {
			e.logger.Error("react.llm_failed", "run_id", e.runID, "step_id", step, "error", err.Error())
			action = FinalAction{Text: "LLM call failed: " + err.Error(), StopReason: "llm_error"}
		} else {
			action = ParseAction(response)
			e.emitReasoning(emit, response, action)
			e.messages = append(e.messages, core.NewMessage("assistant", response))
		}

		switch a := action.(type) {
		case FinalAction:
			e.finish(emit, a)
			return

		case ErrorAction:
			e.observe(emit, "Error: "+a.Message)

		case ToolAction:
			var observation string
			switch {
			case a.Tool == "":
				vErr := &core.ValidationError{Field: "tool", Message: "tool action missing tool name"}
				emit(e.event(core.EventError, core.ErrorContentFromErr(vErr)))
				observation = "Error: " + vErr.Error()
			case a.Tool == "execute_skill":
				observation = e.runSkill(ctx, emit, a)
			case a.Tool == "todo_write":
				observation = e.updateTodos(emit, a.Params)
			default:
				observation = e.dispatchTool(ctx, emit, a)
			}
			e.observe(emit, observation)
		}

		if e.checkpointInterval > 0 && (step-startStep+1)%e.checkpointInterval == 0 {
			e.writer.Enqueue(e.snapshot())
		}
	}

	e.finish(emit, FinalAction{
		Text:       "Maximum reasoning steps reached without a final answer.",
		StopReason: "max_steps_reached",
	})
}

// absorbQueued folds messages enqueued mid-run into the conversation at a
// step boundary.
func (e *Engine) absorbQueued(emit func(core.AgentEvent)) {
	e.mu.Lock()
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, msg := range queued {
		emit(e.event(core.EventUserMessage, core.TextContent{
			ContentMeta: core.NewMeta(core.StatusCompleted),
			Text:        msg,
		}))
		e.messages = append(e.messages, core.NewMessage("user", msg))
	}
}

// waitIfPaused blocks while the engine is paused. It returns false when
// the context was cancelled, either before or while waiting.
func (e *Engine) waitIfPaused(ctx context.Context, emit func(core.AgentEvent)) bool {
	if ctx.Err() != nil {
		return false
	}

	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if !paused {
		return true
	}

	e.setStatus(StatusPaused, emit)
	emit(e.event(core.EventPause, core.TextContent{
		ContentMeta: core.NewMeta(core.StatusCompleted),
		Text:        "run paused",
	}))

	stop := context.AfterFunc(ctx, func() { e.cond.Broadcast() })
	defer stop()

	e.mu.Lock()
	for e.paused && ctx.Err() == nil {
		e.cond.Wait()
	}
	e.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}

	emit(e.event(core.EventResume, core.TextContent{
		ContentMeta: core.NewMeta(core.StatusCompleted),
		Text:        "run resumed",
	}))
	e.setStatus(StatusRunning, emit)
	return true
}

// emitReasoning publishes the model's thought and raw output for this step.
func (e *Engine) emitReasoning(emit func(core.AgentEvent), response string, action Action) {
	thought := ""
	switch a := action.(type) {
	case ToolAction:
		thought = a.Thought
	case FinalAction:
		thought = a.Thought
	}
	if thought == "" {
		thought = firstLine(response)
	}

	emit(e.event(core.EventLLMThinking, core.ThinkingContent{
		ContentMeta: core.NewMeta(core.StatusCompleted),
		Text:        thought,
	}))
	emit(e.event(core.EventLLMOutput, core.TextContent{
		ContentMeta: core.NewMeta(core.StatusCompleted),
		Text:        response,
	}))
}

// observe feeds a tool or skill result back into the conversation.
func (e *Engine) observe(emit func(core.AgentEvent), observation string) {
	e.messages = append(e.messages, core.NewMessage("user", "Observation: "+observation))
}

// dispatchTool runs a generic tool action through the registry, forwarding
// every event and extracting the terminal payload as the observation.
func (e *Engine) dispatchTool(ctx context.Context, emit func(core.AgentEvent), a ToolAction) string {
	inv := tool.Invocation{
		ProjectName: e.projectName,
		ReactType:   e.reactType,
		RunID:       e.runID,
		StepID:      e.stepID,
		SenderID:    e.senderID,
		SenderName:  e.senderName,
		Logger:      e.logger,
	}

	observation := ""
	for ev := range e.registry.Execute(ctx, a.Tool, a.Params, inv) {
		switch ev.EventType {
		case core.EventToolEnd:
			if resp, ok := ev.Content.(core.ToolResponseContent); ok {
				observation = resp.Result
			}
		case core.EventError:
			observation = "Error: " + core.ContentText(ev.Content)
		}
		emit(ev)
	}

	if observation == "" {
		observation = "(no output)"
	}
	return observation
}

// runSkill executes a nested engine for an execute_skill action, wrapping
// the child's forwarded stream in skill_start/skill_end markers. The
// observation is the child run's final text.
func (e *Engine) runSkill(ctx context.Context, emit func(core.AgentEvent), a ToolAction) string {
	name, _ := a.Params["skill"].(string)
	if name == "" {
		name, _ = a.Params["name"].(string)
	}
	prompt, _ := a.Params["message"].(string)
	if prompt == "" {
		prompt, _ = a.Params["prompt"].(string)
	}

	if name == "" || e.skills == nil {
		err := &core.SkillNotFoundError{Skill: name}
		emit(e.event(core.EventSkillError, core.ErrorContentFromErr(err)))
		return "Error: " + err.Error()
	}

	child, err := e.skills.Resolve(name)
	if err != nil {
		emit(e.event(core.EventSkillError, core.ErrorContentFromErr(err)))
		return "Error: " + err.Error()
	}

	e.logger.Info("react.skill_start", "run_id", e.runID, "skill", name)

	emit(e.event(core.EventSkillStart, core.SkillContent{
		ContentMeta: core.NewMeta(core.StatusCreating),
		Skill:       name,
		Message:     prompt,
	}))

	finalText := ""
	for ev := range child.ChatStream(ctx, prompt) {
		if ev.EventType == core.EventFinal {
			finalText = ev.Text()
		}
		emit(ev)
	}

	emit(e.event(core.EventSkillEnd, core.SkillContent{
		ContentMeta: core.NewMeta(core.StatusCompleted),
		Skill:       name,
		Message:     finalText,
	}))

	if finalText == "" {
		return fmt.Sprintf("skill %s produced no final answer", name)
	}
	return finalText
}

// updateTodos handles the built-in todo_write action, replacing the run's
// todo list and publishing a todo_update event.
func (e *Engine) updateTodos(emit func(core.AgentEvent), params map[string]any) string {
	rawItems, _ := params["items"].([]any)
	items := make([]core.TaskItem, 0, len(rawItems))
	for _, raw := range rawItems {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		item := core.TaskItem{}
		item.ID, _ = m["id"].(string)
		item.Title, _ = m["title"].(string)
		item.Status, _ = m["status"].(string)
		if item.Title == "" {
			continue
		}
		items = append(items, item)
	}

	e.mu.Lock()
	e.todos = items
	e.mu.Unlock()

	emit(e.event(core.EventTodoUpdate, core.TaskListContent{
		ContentMeta: core.NewMeta(core.StatusUpdating),
		Items:       items,
	}))

	return fmt.Sprintf("todo list updated (%d items)", len(items))
}

// finish transitions to FINAL and emits the run's single terminal final
// event. Synthetic finals (step exhaustion, model failure) carry their
// stop reason in the legacy payload form.
func (e *Engine) finish(emit func(core.AgentEvent), a FinalAction) {
	e.setStatus(StatusFinal, emit)

	if a.StopReason != "" {
		ev, err := core.NewLegacyAgentEvent(core.EventFinal, e.sender(), map[string]any{
			"text":        a.Text,
			"stop_reason": a.StopReason,
		})
		if err == nil {
			emit(ev)
		}
	} else {
		emit(e.event(core.EventFinal, core.TextContent{
			ContentMeta: core.NewMeta(core.StatusCompleted),
			Text:        a.Text,
		}))
	}

	e.logger.Info("react.final", "run_id", e.runID, "step_id", e.stepID, "stop_reason", a.StopReason)
}

// fail transitions to FAILED and emits the run's terminal error event.
func (e *Engine) fail(emit func(core.AgentEvent), err error) {
	e.setStatus(StatusFailed, emit)
	emit(e.event(core.EventError, core.ErrorContentFromErr(err)))
	e.logger.Error("react.failed", "run_id", e.runID, "step_id", e.stepID, "error", err.Error())
}

func (e *Engine) setStatus(to Status, emit func(core.AgentEvent)) {
	e.mu.Lock()
	from := e.status
	if from == to {
		e.mu.Unlock()
		return
	}
	e.status = to
	e.mu.Unlock()

	emit(e.event(core.EventStatusChange, core.StatusContent{
		ContentMeta: core.NewMeta(core.StatusCompleted),
		From:        string(from),
		To:          string(to),
	}))
}

func (e *Engine) sender() core.Sender {
	return core.Sender{
		ProjectName: e.projectName,
		ReactType:   e.reactType,
		RunID:       e.runID,
		StepID:      e.stepID,
		SenderID:    e.senderID,
		SenderName:  e.senderName,
	}
}

func (e *Engine) event(t core.EventType, c core.Content) core.AgentEvent {
	return core.MustAgentEvent(t, e.sender(), c)
}

func (e *Engine) snapshot() Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Checkpoint{
		RunID:               e.runID,
		StepID:              e.stepID,
		Status:              e.status,
		Messages:            slices.Clone(e.messages),
		PendingUserMessages: slices.Clone(e.pending),
		TodoState:           slices.Clone(e.todos),
	}
}

// renderSystemPrompt produces the default instruction block listing the
// registered tools and the expected action format.
func (e *Engine) renderSystemPrompt() string {
	if e.systemPrompt != "" {
		return e.systemPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Solve the user's request step by step.\n\n", e.senderName)

	metas := e.registry.Describe(e.lang)
	if len(metas) > 0 {
		b.WriteString("Available tools:\n")
		for _, meta := range metas {
			fmt.Fprintf(&b, "- %s: %s\n", meta.Name, meta.Description)
			for _, p := range meta.Parameters {
				req := "optional"
				if p.Required {
					req = "required"
				}
				fmt.Fprintf(&b, "    %s (%s, %s): %s\n", p.Name, p.Type, req, p.Description)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with a single JSON object. To call a tool:\n")
	b.WriteString(`{"type": "tool", "thought": "...", "tool": "<name>", "params": {...}}` + "\n")
	b.WriteString("To answer the user:\n")
	b.WriteString(`{"type": "final", "thought": "...", "final": "<answer>"}` + "\n")
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
